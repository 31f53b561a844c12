package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/1ureka/callcore/internal/signaling"
	"github.com/1ureka/callcore/internal/util"
)

// pingInterval keeps idle peer connections alive through proxies.
const pingInterval = 30 * time.Second

type Handler struct {
	Hub *Hub
	// Origins allowed to read /healthz from a browser. Empty allows any.
	Origins []string
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{Hub: hub}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: h.Origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}).Handler)

	r.Get("/healthz", h.Health)
	r.Get("/ws", h.ServeWS)

	return r
}

// Health reports liveness and current load.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"online": h.Hub.Online(),
		"calls":  h.Hub.Calls(),
	})
}

// ServeWS upgrades a peer. The identity comes from the query string
// (?user=&name=&avatar=); authentication is left to a fronting proxy.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	party := signaling.PartyFromRequest(r)
	if party.ID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := signaling.Upgrade(w, r)
	if err != nil {
		util.LogWarning("upgrade %s: %v", party.ID, err)
		return
	}
	defer conn.Close()

	h.Hub.Join(party, conn)
	defer h.Hub.Leave(party.ID, conn)

	done := make(chan struct{})
	defer close(done)
	go keepalive(conn, done)

	for {
		msg, err := conn.Read()
		if err != nil {
			util.LogDebug("read from %s: %v", party.ID, err)
			return
		}
		h.Hub.Handle(party.ID, msg)
	}
}

func keepalive(conn *signaling.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
