// Package config holds the runtime configuration of the call peer and the
// relay. Values come from the environment (optionally a .env file) and are
// overridden by CLI flags in cmd/.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default STUN servers for ICE candidate gathering. TURN is never hard-coded;
// it is only added through CALL_TURN_URLS.
var defaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// ICEServer is one STUN or TURN entry handed to the negotiation engine.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config stores every parameter of a peer or relay process.
type Config struct {
	SignalingURL string // Peer: WebSocket URL of the relay
	UserID       string // Peer: identity announced to the relay
	DisplayName  string
	AvatarURL    string

	ICEServers []ICEServer

	// DisconnectGrace is how long a Disconnected peer connection may stay
	// down before the call is ended. Zero ends the call immediately.
	DisconnectGrace time.Duration
	// ErrorWindow is how long a call:error message stays visible.
	ErrorWindow time.Duration
	// OutboxSize bounds the signaling messages buffered while the
	// channel is reconnecting.
	OutboxSize int

	RelayAddr   string        // Relay: listen address
	RingTimeout time.Duration // Relay: unanswered calls become call:missed
	Origins     []string      // Relay: CORS origins for /healthz, empty allows any
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		SignalingURL:    "ws://127.0.0.1:8080/ws",
		ICEServers:      []ICEServer{{URLs: append([]string(nil), defaultSTUN...)}},
		DisconnectGrace: 0,
		ErrorWindow:     5 * time.Second,
		OutboxSize:      64,
		RelayAddr:       ":8080",
		RingTimeout:     30 * time.Second,
	}
}

// Load builds a Config from the environment. A .env file in the working
// directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config using lookup for every key, starting from Default.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if v, ok := lookup("CALL_SIGNALING_URL"); ok && v != "" {
		cfg.SignalingURL = v
	}
	if v, ok := lookup("CALL_USER_ID"); ok {
		cfg.UserID = v
	}
	if v, ok := lookup("CALL_DISPLAY_NAME"); ok {
		cfg.DisplayName = v
	}
	if v, ok := lookup("CALL_AVATAR_URL"); ok {
		cfg.AvatarURL = v
	}
	if v, ok := lookup("CALL_RELAY_ADDR"); ok && v != "" {
		cfg.RelayAddr = v
	}

	if v, ok := lookup("CALL_ALLOWED_ORIGINS"); ok {
		cfg.Origins = splitList(v)
	}

	if v, ok := lookup("CALL_STUN_URLS"); ok {
		urls := splitList(v)
		if len(urls) == 0 {
			cfg.ICEServers = nil
		} else {
			cfg.ICEServers = []ICEServer{{URLs: urls}}
		}
	}
	if v, ok := lookup("CALL_TURN_URLS"); ok {
		if urls := splitList(v); len(urls) > 0 {
			user, _ := lookup("CALL_TURN_USERNAME")
			cred, _ := lookup("CALL_TURN_CREDENTIAL")
			cfg.ICEServers = append(cfg.ICEServers, ICEServer{URLs: urls, Username: user, Credential: cred})
		}
	}

	var err error
	if cfg.DisconnectGrace, err = durationKey(lookup, "CALL_DISCONNECT_GRACE", cfg.DisconnectGrace); err != nil {
		return nil, err
	}
	if cfg.ErrorWindow, err = durationKey(lookup, "CALL_ERROR_WINDOW", cfg.ErrorWindow); err != nil {
		return nil, err
	}
	if cfg.RingTimeout, err = durationKey(lookup, "CALL_RING_TIMEOUT", cfg.RingTimeout); err != nil {
		return nil, err
	}

	if v, ok := lookup("CALL_OUTBOX_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid CALL_OUTBOX_SIZE %q: must be a positive integer", v)
		}
		cfg.OutboxSize = n
	}

	return cfg, nil
}

func durationKey(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration %s", key, d)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
