package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), cfg.DisconnectGrace)
	assert.Equal(t, 5*time.Second, cfg.ErrorWindow)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	require.Len(t, cfg.ICEServers, 1)
	assert.Len(t, cfg.ICEServers[0].URLs, 5)
	assert.Empty(t, cfg.ICEServers[0].Username)
}

func TestFromEnvTURNAppended(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{
		"CALL_STUN_URLS":       "stun:a.example:3478, stun:b.example:3478",
		"CALL_TURN_URLS":       "turn:t.example:3478?transport=udp",
		"CALL_TURN_USERNAME":   "alice",
		"CALL_TURN_CREDENTIAL": "secret",
	}))
	require.NoError(t, err)

	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "alice", cfg.ICEServers[1].Username)
	assert.Equal(t, "secret", cfg.ICEServers[1].Credential)
}

func TestFromEnvInvalidValues(t *testing.T) {
	_, err := FromEnv(envOf(map[string]string{"CALL_DISCONNECT_GRACE": "soon"}))
	assert.ErrorContains(t, err, "CALL_DISCONNECT_GRACE")

	_, err = FromEnv(envOf(map[string]string{"CALL_ERROR_WINDOW": "-1s"}))
	assert.ErrorContains(t, err, "CALL_ERROR_WINDOW")

	_, err = FromEnv(envOf(map[string]string{"CALL_OUTBOX_SIZE": "0"}))
	assert.ErrorContains(t, err, "CALL_OUTBOX_SIZE")
}

func TestFromEnvGrace(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{"CALL_DISCONNECT_GRACE": "3s"}))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.DisconnectGrace)
}

func TestFromEnvOrigins(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{"CALL_ALLOWED_ORIGINS": "http://a.example, http://b.example"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Origins)
}
