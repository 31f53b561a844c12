// Relay: signaling authority for callpeer.
//
// Peers connect to /ws?user=<id>&name=<name>. The relay assigns call ids,
// routes call and WebRTC signaling events between the two participants and
// expires unanswered calls. Media never passes through it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/callcore/internal/config"
	"github.com/1ureka/callcore/internal/relay"
	"github.com/1ureka/callcore/internal/util"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.RelayAddr, "Listen address")
	ringTimeout := flag.Duration("ring-timeout", cfg.RingTimeout, "Unanswered calls are reported missed after this long (0 disables)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("relay — v%s", version))
	pterm.Println()

	hub := relay.NewHub(*ringTimeout)
	handler := relay.NewHandler(hub)
	handler.Origins = cfg.Origins
	srv := &http.Server{
		Addr:              *addr,
		Handler:           handler.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	util.LogSuccess("listening on %s", *addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			util.LogError("server failed: %v", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("shutdown: %v", err)
	}
	util.LogInfo("relay stopped")
}
