package system

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/conv"
	"relaybot/internal/dispatch"
	"relaybot/internal/forward"
	"relaybot/internal/media"
	core "relaybot/internal/plugin"
	"relaybot/internal/routecfg"
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

func (s *textSender) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.texts
	s.texts = nil
	return out
}

type snapshot core.PluginsSnapshot

func (s snapshot) Snapshot() core.PluginsSnapshot { return core.PluginsSnapshot(s) }

var (
	admin = conv.Ref{ID: "A1", Name: "ops", Kind: conv.Group}
	other = conv.Ref{ID: "G9", Name: "lobby", Kind: conv.Group}
	alice = conv.Ref{ID: "alice", Kind: conv.Individual}
)

func setup(t *testing.T, raw string) (*Plugin, *textSender, *dispatch.Coordinator) {
	t.Helper()
	table := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(table, []byte("groups:\n  - name: east\n    admins: [{id: A1}]\n    targets: [{id: \"101\", no: \"1\"}]\n"), 0o600))

	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, logx.Nop())
	require.NoError(t, sched.Add("forward:sweep", "30s", 0, func(context.Context) error { return nil }))

	sender := &textSender{}
	coord := dispatch.New()
	engine := forward.New(forward.Config{Pace: -1}, forward.Deps{Sender: sender})
	engine.Issue("A1:alice", []conv.Ref{{ID: "101"}})

	p := New()
	p.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	p.startedAt = p.now().Add(-90 * time.Minute)

	ctx := context.Background()
	deps := core.Deps{
		Sender:      sender,
		Coordinator: coord,
		Routes:      routecfg.NewStore(table),
		Engine:      engine,
		Scheduler:   sched,
		Plugins: snapshot{
			Dispatch: core.DispatchStats{Received: 12, Duplicates: 2},
			Plugins: []core.PluginStatus{
				{Name: "forwarder", Enabled: true, Running: true, Handled: 10},
				{Name: "keyword", Enabled: true, Quarantined: true, QuarantineErr: "bad rule"},
			},
		},
	}
	require.NoError(t, p.Init(ctx, deps))
	require.NoError(t, p.OnConfigChange(ctx, json.RawMessage(raw)))
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p, sender, coord
}

func say(t *testing.T, p *Plugin, id string, chat conv.Ref, text string) *kit.Message {
	t.Helper()
	msg := &kit.Message{ID: id, Chat: chat, Sender: alice, Kind: kit.KindText, Text: text, MentionsBot: true}
	require.NoError(t, p.OnMessage(context.Background(), msg))
	return msg
}

func TestStatus(t *testing.T) {
	p, sender, coord := setup(t, `{}`)
	msg := say(t, p, "1", admin, "@relay /status")

	out := sender.take()
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "uptime: 1h30m")
	assert.Contains(t, out[0], "received=12 duplicates=2")
	assert.Contains(t, out[0], "forwarder: running handled=10")
	assert.Contains(t, out[0], "keyword: quarantined: bad rule")
	assert.Contains(t, out[0], "pending routes: 1")

	by, ok := coord.ClaimedBy(msg.Key())
	assert.True(t, ok)
	assert.Equal(t, Name, by)
}

func TestSchedules(t *testing.T) {
	p, sender, _ := setup(t, `{}`)
	say(t, p, "1", admin, "@relay /sched")
	out := sender.take()
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "scheduled jobs (UTC)")
	assert.Contains(t, out[0], "forward:sweep")
}

func TestSysinfo(t *testing.T) {
	p, sender, _ := setup(t, `{}`)
	say(t, p, "1", admin, "@relay /sysinfo")
	out := sender.take()
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "goroutines:")
}

func TestOperatorsOnly(t *testing.T) {
	p, sender, coord := setup(t, `{}`)
	msg := say(t, p, "1", other, "@relay /status")
	assert.Empty(t, sender.take())
	_, claimed := coord.ClaimedBy(msg.Key())
	assert.False(t, claimed)

	p, sender, _ = setup(t, `{"operators":["lobby"],"prefix":"!"}`)
	say(t, p, "2", other, "@relay !status")
	assert.Len(t, sender.take(), 1)
	say(t, p, "3", other, "@relay /status")
	assert.Empty(t, sender.take())
}

func TestUnknownCommandIgnored(t *testing.T) {
	p, sender, _ := setup(t, `{}`)
	say(t, p, "1", admin, "@relay /reboot")
	assert.Empty(t, sender.take())
}

func TestValidateConfig(t *testing.T) {
	p := New()
	assert.NoError(t, p.ValidateConfig(context.Background(), json.RawMessage(`{"operators":[{"type":"regex","value":"^ops"}]}`)))
	assert.Error(t, p.ValidateConfig(context.Background(), json.RawMessage(`{"operators":[{"type":"regex","value":"("}]}`)))
	assert.Error(t, p.ValidateConfig(context.Background(), json.RawMessage(`{"unknown":true}`)))
}

func TestDurRel(t *testing.T) {
	assert.Equal(t, "45s", durRel(45*time.Second))
	assert.Equal(t, "2m5s", durRel(125*time.Second))
	assert.Equal(t, "3h0m", durRel(3*time.Hour))
	assert.Equal(t, "1.5KB", fmtBytes(1536))
}
