// Callpeer: CLI call peer.
//
// It registers with a signaling relay, places or answers one-to-one calls
// and negotiates the media path over WebRTC. Capture uses a synthetic
// microphone and camera, so it runs headless.
//
// It can be driven interactively (no -call flag) or non-interactively via
// -call / -answer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/config"
	"github.com/1ureka/callcore/internal/media"
	"github.com/1ureka/callcore/internal/negotiation"
	"github.com/1ureka/callcore/internal/signaling"
	"github.com/1ureka/callcore/internal/util"
)

var version = "dev"

const (
	statsInterval = 5 * time.Second
	// flushTimeout bounds how long the final call:end may wait for the relay.
	flushTimeout = 2 * time.Second
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// CLI flags override the environment.
	urlFlag := flag.String("url", cfg.SignalingURL, "WebSocket URL of the signaling relay")
	userFlag := flag.String("user", cfg.UserID, "User id announced to the relay")
	nameFlag := flag.String("name", cfg.DisplayName, "Display name")
	callFlag := flag.String("call", "", "Call this user id and exit when the call ends")
	videoFlag := flag.Bool("video", false, "Place a video call instead of audio (with -call)")
	answerFlag := flag.Bool("answer", false, "Answer every incoming call automatically")
	graceFlag := flag.Duration("grace", cfg.DisconnectGrace, "How long a dropped connection may recover before the call ends")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("callpeer — v%s", version))
	pterm.Println()

	interactive := *callFlag == "" && !*answerFlag

	self := signaling.Party{ID: strings.TrimSpace(*userFlag), Name: *nameFlag, Avatar: cfg.AvatarURL}
	if self.ID == "" {
		if !interactive {
			util.LogError("missing -user")
			os.Exit(1)
		}
		self.ID = askText("Your user id")
	}

	endpoint, err := signaling.Endpoint(*urlFlag, self)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	client := signaling.NewClient(endpoint, cfg.OutboxSize)
	pipeline := media.NewPipeline(&media.Synthetic{})
	ctrl := call.New(call.Options{
		Signaling: client,
		Pipeline:  pipeline,
		NewEngine: func(role negotiation.Role) (call.Negotiator, error) {
			engine, err := negotiation.New(cfg.ICEServers, role)
			if err != nil {
				return nil, err
			}
			return engine, nil
		},
		DisconnectGrace: *graceFlag,
		ErrorWindow:     cfg.ErrorWindow,
	})

	ended := make(chan struct{}, 1)
	ctrl.OnStatus(func(s call.Snapshot) {
		switch s.Status {
		case call.Connected:
			util.LogSuccess("connected with %s", describeParty(s.Remote))
		case call.Idle:
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})
	ctrl.OnIncoming(func(in call.Incoming) {
		util.LogInfo("incoming %s call from %s", in.Kind, describeParty(in.Caller))
		if *answerFlag {
			go func() {
				if err := ctrl.Accept(ctx); err != nil {
					util.LogError("failed to answer: %v", err)
				}
			}()
		}
	})
	ctrl.OnError(func(err error) {
		util.LogError("%v", err)
	})
	ctrl.OnRemoteTrack(func(t media.RemoteTrack) {
		util.LogInfo("receiving remote %s", media.KindOf(t.Kind()))
	})

	client.OnMessage(ctrl.HandleMessage)
	client.OnConnectionChange(ctrl.HandleChannelState)

	// The client outlives ctx so the controller's final messages get out.
	clientCtx, stopClient := context.WithCancel(context.Background())
	defer stopClient()

	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		ctrl.Run(ctx)
	}()
	go client.Run(clientCtx)
	util.StartStatsReporter(ctx, statsInterval)

	switch {
	case *callFlag != "":
		kind := media.KindAudio
		if *videoFlag {
			kind = media.KindVideo
		}
		runCall(ctx, ctrl, signaling.Party{ID: *callFlag}, kind, ended)
	case *answerFlag:
		util.LogInfo("waiting for calls as %s", self.ID)
		<-ctx.Done()
	default:
		runInteractive(ctx, ctrl, pipeline)
	}

	stop()
	<-ctrlDone

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	if err := client.Flush(flushCtx); err != nil {
		util.LogWarning("signaling: %v", err)
	}
	cancel()
	stopClient()
	util.LogInfo("bye")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runCall places one call and returns once it is over.
func runCall(ctx context.Context, ctrl *call.Controller, remote signaling.Party, kind media.Kind, ended <-chan struct{}) {
	// Drain the Idle published before the call starts.
	select {
	case <-ended:
	default:
	}

	if err := ctrl.Initiate(ctx, remote, kind); err != nil {
		util.LogError("failed to call %s: %v", remote.ID, err)
		return
	}
	util.LogInfo("calling %s...", remote.ID)

	select {
	case <-ended:
		util.LogInfo("call ended")
	case <-ctx.Done():
	}
}

// runInteractive shows a menu matching the current call state until the
// user quits.
func runInteractive(ctx context.Context, ctrl *call.Controller, pipeline *media.Pipeline) {
	for ctx.Err() == nil {
		snap := ctrl.Snapshot()

		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(menuFor(snap)).
			WithDefaultText(describe(snap)).
			Show()
		if err != nil {
			return
		}
		pterm.Println()

		var actionErr error
		switch choice {
		case "Call a user":
			remote := askText("User id to call")
			kind, _ := pterm.DefaultInteractiveSelect.
				WithOptions([]string{"audio", "video"}).
				WithDefaultText("Call type").
				Show()
			actionErr = ctrl.Initiate(ctx, signaling.Party{ID: remote}, media.Kind(kind))
		case "Accept":
			actionErr = ctrl.Accept(ctx)
		case "Reject":
			actionErr = ctrl.Reject(ctx)
		case "Hang up":
			actionErr = ctrl.End(ctx)
		case "Toggle microphone":
			var on bool
			on, actionErr = ctrl.ToggleTrack(ctx, media.KindAudio)
			util.LogInfo("microphone %s", onOff(on))
		case "Toggle camera":
			var on bool
			on, actionErr = ctrl.ToggleTrack(ctx, media.KindVideo)
			util.LogInfo("camera %s", onOff(on))
		case "Switch camera":
			actionErr = switchCamera(ctx, ctrl, pipeline)
		case "Quit":
			return
		}

		if actionErr != nil {
			util.LogWarning("%v", actionErr)
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func menuFor(s call.Snapshot) []string {
	var opts []string
	switch s.Status {
	case call.Idle:
		opts = []string{"Call a user"}
	case call.Ringing:
		opts = []string{"Accept", "Reject"}
	case call.Calling, call.Connecting:
		opts = []string{"Hang up"}
	case call.Connected:
		opts = []string{"Toggle microphone", "Hang up"}
		if s.Kind == media.KindVideo {
			opts = append(opts, "Toggle camera", "Switch camera")
		}
	}
	return append(opts, "Refresh", "Quit")
}

func describe(s call.Snapshot) string {
	var b strings.Builder
	switch s.Status {
	case call.Idle:
		b.WriteString("idle")
	case call.Connected:
		fmt.Fprintf(&b, "in %s call with %s (%s)", s.Kind, describeParty(s.Remote), s.Duration(time.Now()))
		if !s.RemoteMedia.AudioEnabled {
			b.WriteString(" [remote muted]")
		}
	default:
		fmt.Fprintf(&b, "%s %s", s.Status, describeParty(s.Remote))
	}
	if !s.SignalingUp {
		b.WriteString(" [signaling reconnecting]")
	}
	if s.Error != "" {
		fmt.Fprintf(&b, " [error: %s]", s.Error)
	}
	return b.String()
}

func describeParty(p signaling.Party) string {
	if p.Name != "" && p.Name != p.ID {
		return fmt.Sprintf("%s (%s)", p.Name, p.ID)
	}
	return p.ID
}

func switchCamera(ctx context.Context, ctrl *call.Controller, pipeline *media.Pipeline) error {
	devices, err := pipeline.Enumerate(ctx, media.DeviceVideoInput)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("no cameras found")
	}

	labels := make([]string, len(devices))
	for i, d := range devices {
		labels[i] = d.Label
	}
	choice, err := pterm.DefaultInteractiveSelect.WithOptions(labels).WithDefaultText("Camera").Show()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Label == choice {
			return ctrl.SwitchDevice(ctx, media.KindVideo, d.DeviceID)
		}
	}
	return nil
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}

		util.LogWarning("value must not be empty")
		pterm.Println()
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
