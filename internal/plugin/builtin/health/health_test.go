package health

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/conv"
	"relaybot/internal/dispatch"
	"relaybot/internal/media"
	core "relaybot/internal/plugin"
	"relaybot/internal/task/scheduler"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type textSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *textSender) SendText(_ context.Context, _ conv.Ref, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return kit.MessageRef{}, nil
}

func (s *textSender) SendMedia(context.Context, conv.Ref, media.Handle, string) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (s *textSender) Forward(context.Context, conv.Ref, kit.MessageRef) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

type notifier struct {
	mu     sync.Mutex
	states []string
}

func (n *notifier) notify(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return true, nil
}

func (n *notifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	p      *Plugin
	sender *textSender
	sd     *notifier
	clock  *clock
	sched  *scheduler.Service
}

func setup(t *testing.T, raw string) *fixture {
	t.Helper()
	f := &fixture{
		sender: &textSender{},
		sd:     &notifier{},
		clock:  &clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
		sched:  scheduler.New(scheduler.Config{}, logx.Nop()),
	}
	f.p = New()
	f.p.notify = f.sd.notify
	f.p.watchdogInterval = func() (time.Duration, error) { return 0, nil }
	f.p.now = f.clock.now

	ctx := context.Background()
	require.NoError(t, f.p.Init(ctx, core.Deps{Sender: f.sender, Coordinator: dispatch.New(), Scheduler: f.sched}))
	require.NoError(t, f.p.OnConfigChange(ctx, json.RawMessage(raw)))
	require.NoError(t, f.p.Start(ctx))
	t.Cleanup(func() { _ = f.p.Stop(context.Background()) })
	return f
}

func hasJob(s *scheduler.Service, name string) bool {
	for _, info := range s.Schedules() {
		if info.Name == name {
			return true
		}
	}
	return false
}

func TestReadyOnStart(t *testing.T) {
	f := setup(t, `{}`)
	assert.Equal(t, []string{daemon.SdNotifyReady}, f.sd.seen())
	assert.False(t, hasJob(f.sched, "health:watchdog"), "no watchdog without an interval")
}

func TestWatchdogScheduled(t *testing.T) {
	f := setup(t, `{"watchdog":"30s"}`)
	assert.True(t, hasJob(f.sched, "health:watchdog"))

	require.NoError(t, f.sched.RunNow(context.Background(), "health:watchdog"))
	assert.Equal(t, int64(1), f.p.Beats())
	assert.Contains(t, f.sd.seen(), daemon.SdNotifyWatchdog)

	require.NoError(t, f.p.Stop(context.Background()))
	assert.False(t, hasJob(f.sched, "health:watchdog"))
	states := f.sd.seen()
	assert.Equal(t, daemon.SdNotifyStopping, states[len(states)-1])
}

func TestWatchdogFromEnvironment(t *testing.T) {
	f := setup(t, `{}`)
	f.p.watchdogInterval = func() (time.Duration, error) { return 20 * time.Second, nil }
	assert.Equal(t, 10*time.Second, f.p.interval(f.p.settings()))
}

func TestSilenceWithholdsHeartbeat(t *testing.T) {
	f := setup(t, `{"watchdog":"30s","max_silence":"5m"}`)
	assert.True(t, f.p.heartbeat())

	f.clock.advance(6 * time.Minute)
	assert.False(t, f.p.heartbeat())

	msg := &kit.Message{ID: "1", Chat: conv.Ref{ID: "g", Kind: conv.Group}, Text: "hello"}
	require.NoError(t, f.p.OnMessage(context.Background(), msg))
	assert.True(t, f.p.heartbeat())
	assert.Equal(t, int64(2), f.p.Beats())
}

func TestDingDong(t *testing.T) {
	f := setup(t, `{}`)
	ctx := context.Background()
	alice := conv.Ref{ID: "alice", Kind: conv.Individual}

	require.NoError(t, f.p.OnMessage(ctx, &kit.Message{ID: "1", Chat: alice, Sender: alice, Text: "Ding"}))
	require.NoError(t, f.p.OnMessage(ctx, &kit.Message{ID: "2", Chat: conv.Ref{ID: "g", Kind: conv.Group}, Sender: alice, Text: "ding", MentionsBot: true}))
	require.NoError(t, f.p.OnMessage(ctx, &kit.Message{ID: "3", Chat: alice, Sender: alice, Text: "hello"}))

	assert.Equal(t, []string{"dong"}, f.sender.texts)
}

func TestNotifyDisabled(t *testing.T) {
	f := setup(t, `{"notify":false,"watchdog":"30s"}`)
	assert.Empty(t, f.sd.seen())
	assert.False(t, hasJob(f.sched, "health:watchdog"))
}

func TestValidateConfig(t *testing.T) {
	p := New()
	assert.NoError(t, p.ValidateConfig(context.Background(), json.RawMessage(`{"watchdog":"15s","ping":"ping","pong":"pong"}`)))
	assert.Error(t, p.ValidateConfig(context.Background(), json.RawMessage(`{"watchdog":"-1s"}`)))
	assert.Error(t, p.ValidateConfig(context.Background(), json.RawMessage(`{"max_silence":"x"}`)))
}
