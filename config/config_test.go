package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 8081, cfg.Server.AdminPort)
	require.Equal(t, 30, cfg.TTL.MessageDays)
	require.Equal(t, 100, cfg.Messaging.MaxPreKeys)
	require.Equal(t, 10, cfg.Messaging.PreKeyRefillThreshold)
	require.Equal(t, "obscura:user:", cfg.Notifications.ChannelPrefix)
	require.Equal(t, "obscura:push:queue", cfg.Notifications.PushQueueKey)
	require.Equal(t, 50, cfg.Websocket.AckBatchSize)
	require.Equal(t, 30, cfg.Push.VisibilityTimeoutSecs)
	require.Equal(t, "backups/", cfg.Backup.KeyPrefix)
	require.Equal(t, 300, cfg.Janitor.IntervalSecs)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OBSCURA_SERVER_PORT", "9999")
	t.Setenv("OBSCURA_TTL_MESSAGE_DAYS", "7")

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, 7, cfg.TTL.MessageDays)
	require.Equal(t, 7*24*time.Hour, cfg.MessageTTL())
}

func TestLiveSwapsAtomically(t *testing.T) {
	a := &Config{}
	a.Messaging.MaxInboxSize = 100
	live := NewLive(a)
	require.Equal(t, 100, live.Get().Messaging.MaxInboxSize)

	b := &Config{}
	b.Messaging.MaxInboxSize = 500
	live.Set(b)
	require.Equal(t, 500, live.Get().Messaging.MaxInboxSize)
}
