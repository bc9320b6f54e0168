package logx

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/conv"
	kit "relaybot/internal/transport"
)

type recordingSender struct {
	mu   sync.Mutex
	to   []conv.Ref
	text []string
}

func (r *recordingSender) SendText(_ context.Context, to conv.Ref, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, to)
	r.text = append(r.text, text)
	return kit.MessageRef{}, nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.text...)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}, nil)

	log.With(String("plugin", "forwarder")).Info("delivered", Int("ok", 2), Duration("took", time.Second))
	log.Trace("hidden")
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "delivered", m["message"])
	assert.Equal(t, "forwarder", m["plugin"])
	assert.EqualValues(t, 2, m["ok"])
}

func TestApplyChangesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	cfg := Config{Level: "error", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg, nil)
	log.Warn("dropped")

	cfg.Level = "warn"
	svc.Apply(cfg)
	log.Warn("kept")
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "dropped")
	assert.Contains(t, string(raw), "kept")
}

func TestOperatorSink(t *testing.T) {
	sender := &recordingSender{}
	ops := conv.Ref{ID: "-100", Kind: conv.Group}
	svc, log := New(Config{Level: "debug", Operator: OperatorConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("routine")
	log.Error("send failed", String("dest", "101"), Err(errors.New("timeout")))
	svc.SetOperatorTarget(ops)
	log.Info("still routine")
	log.Error("send failed", String("dest", "102"), Err(errors.New("timeout")))

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := sender.sent()[0]
	assert.True(t, strings.HasPrefix(got, "[ERROR] send failed"), got)
	assert.Contains(t, got, "- dest=102")
	assert.Contains(t, got, "- err=timeout")
	sender.mu.Lock()
	assert.Equal(t, ops, sender.to[0])
	sender.mu.Unlock()
}

func TestNopAndZero(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	Nop().Error("ignored")
	assert.False(t, Nop().Enabled(LevelError))
}

func TestOperatorText(t *testing.T) {
	out := operatorText([]byte(`{"level":"warn","time":"x","message":"slow","b":1,"a":"z"}`))
	assert.Equal(t, "[WARN] slow\n- a=z\n- b=1", out)
	assert.Equal(t, "plain text", operatorText([]byte("  plain text \n")))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, parseLevel("warning", LevelInfo))
	assert.Equal(t, LevelDebug, parseLevel(" debug ", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("loud", LevelInfo))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
