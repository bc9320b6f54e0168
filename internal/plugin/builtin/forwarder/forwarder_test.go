package forwarder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/authz"
	"relaybot/internal/conv"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/forward"
	"relaybot/internal/media"
	core "relaybot/internal/plugin"
	"relaybot/internal/routecfg"
	kit "relaybot/internal/transport"
)

const routes = `
groups:
  - name: east
    admins:
      - {id: A1, name: ops}
    targets:
      - {id: "101", name: east-1, no: "101"}
      - {id: "205", name: east-2, no: "205"}
`

const conflicting = `
groups:
  - name: east
    admins: [{id: A1}]
    targets: [{id: "101", no: "101"}]
  - name: west
    admins: [{id: A1}]
    targets: [{id: "205", no: "205"}]
`

type out struct {
	To   string
	Kind string
	Text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []out
}

func (f *fakeSender) add(o out) {
	f.mu.Lock()
	f.sent = append(f.sent, o)
	f.mu.Unlock()
}

func (f *fakeSender) SendText(_ context.Context, to conv.Ref, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.add(out{To: to.ID, Kind: "text", Text: text})
	return kit.MessageRef{ChatID: to.ID}, nil
}

func (f *fakeSender) SendMedia(_ context.Context, to conv.Ref, h media.Handle, caption string) (kit.MessageRef, error) {
	f.add(out{To: to.ID, Kind: "media", Text: caption})
	return kit.MessageRef{ChatID: to.ID}, nil
}

func (f *fakeSender) Forward(_ context.Context, to conv.Ref, _ kit.MessageRef) (kit.MessageRef, error) {
	f.add(out{To: to.ID, Kind: "forward"})
	return kit.MessageRef{ChatID: to.ID}, nil
}

func (f *fakeSender) take() []out {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sent
	f.sent = nil
	return s
}

type fixture struct {
	p      *Plugin
	sender *fakeSender
	ledger *authz.Ledger
	engine *forward.Engine
	coord  *dispatch.Coordinator
	bus    eventbus.Bus
	n      int
}

func setup(t *testing.T, table string, raw string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(table), 0o600))

	f := &fixture{sender: &fakeSender{}, ledger: authz.New(nil), coord: dispatch.New(), bus: eventbus.New()}
	f.engine = forward.New(forward.Config{Pace: -1}, forward.Deps{Sender: f.sender})
	f.p = New()

	ctx := context.Background()
	deps := core.Deps{
		Sender:      f.sender,
		Coordinator: f.coord,
		Ledger:      f.ledger,
		Routes:      routecfg.NewStore(path),
		Engine:      f.engine,
		Bus:         f.bus,
	}
	require.NoError(t, f.p.Init(ctx, deps))
	require.NoError(t, f.p.OnConfigChange(ctx, json.RawMessage(raw)))
	require.NoError(t, f.p.Start(ctx))
	t.Cleanup(func() { _ = f.p.Stop(context.Background()) })
	return f
}

func (f *fixture) say(t *testing.T, text string, mention bool) *kit.Message {
	t.Helper()
	f.n++
	msg := &kit.Message{
		ID:          string(rune('a' + f.n)),
		Chat:        conv.Ref{ID: "A1", Name: "ops", Kind: conv.Group},
		Sender:      conv.Ref{ID: "alice", Kind: conv.Individual},
		Kind:        kit.KindText,
		Text:        text,
		MentionsBot: mention,
	}
	require.True(t, f.coord.MarkSeen(msg.Key()))
	require.NoError(t, f.p.OnMessage(context.Background(), msg))
	return msg
}

func (f *fixture) authorize(t *testing.T) {
	t.Helper()
	_, err := f.ledger.Grant(context.Background(), f.ledger.Today(), "A1", []string{"alice"})
	require.NoError(t, err)
}

func TestFanOutAndQuery(t *testing.T) {
	f := setup(t, routes, `{}`)
	f.authorize(t)

	f.say(t, "@bot #101 205 hello", true)
	assert.Equal(t, []out{
		{To: "101", Kind: "text", Text: "hello"},
		{To: "205", Kind: "text", Text: "hello"},
	}, f.sender.take())

	f.say(t, "@bot 查询", true)
	replies := f.sender.take()
	require.Len(t, replies, 1)
	assert.Equal(t, "A1", replies[0].To)
	assert.Contains(t, replies[0].Text, "成功 2 / 2")
	assert.Contains(t, replies[0].Text, "east-1")
	assert.Contains(t, replies[0].Text, "east-2")
	assert.NotContains(t, replies[0].Text, "未确认")
}

func TestPendingRouteConsumesNextMessage(t *testing.T) {
	f := setup(t, routes, `{}`)
	f.authorize(t)

	f.say(t, "@bot #101", true)
	help := f.sender.take()
	require.Len(t, help, 1)
	assert.Equal(t, "A1", help[0].To)
	assert.Contains(t, help[0].Text, replyHelpHeader)
	assert.Contains(t, help[0].Text, "east-1")

	_, ok := f.engine.Pending(Owner(&kit.Message{Chat: conv.Ref{ID: "A1"}, Sender: conv.Ref{ID: "alice"}}))
	require.True(t, ok)

	payload := f.say(t, "the actual payload", false)
	assert.Equal(t, []out{{To: "101", Kind: "text", Text: "the actual payload"}}, f.sender.take())
	by, claimed := f.coord.ClaimedBy(payload.Key())
	assert.True(t, claimed)
	assert.Equal(t, Name, by)

	f.say(t, "a third message", false)
	assert.Empty(t, f.sender.take(), "no command, no forward")
}

func TestUnauthorizedSender(t *testing.T) {
	f := setup(t, routes, `{}`)
	f.say(t, "@bot #101 hi", true)
	assert.Equal(t, []out{{To: "A1", Kind: "text", Text: replyUnauthorized}}, f.sender.take())
}

func TestAuthorizationCanBeDisabled(t *testing.T) {
	f := setup(t, routes, `{"require_authorization": false}`)
	f.say(t, "@bot #101 hi", true)
	assert.Equal(t, []out{{To: "101", Kind: "text", Text: "hi"}}, f.sender.take())
}

func TestMalformedCommand(t *testing.T) {
	f := setup(t, routes, `{}`)
	f.authorize(t)
	f.say(t, "@bot #101 #205 hi", true)
	assert.Equal(t, []out{{To: "A1", Kind: "text", Text: replyFormatError}}, f.sender.take())
	_, ok := f.engine.Pending("A1:alice")
	assert.False(t, ok)
}

func TestUnknownTokensCreateNoRoute(t *testing.T) {
	f := setup(t, routes, `{}`)
	f.authorize(t)
	f.say(t, "@bot #999", true)
	assert.Equal(t, []out{{To: "A1", Kind: "text", Text: replyNoTargets}}, f.sender.take())
	assert.Zero(t, f.engine.PendingCount())
}

func TestWithoutMentionNothingHappens(t *testing.T) {
	f := setup(t, routes, `{}`)
	f.authorize(t)
	f.say(t, "#101 hi", false)
	assert.Empty(t, f.sender.take())
}

func TestRangeCommand(t *testing.T) {
	table := `
groups:
  - name: east
    admins: [{id: A1}]
    targets:
      - {id: r3, no: "3"}
      - {id: r4, no: "4"}
      - {id: r5, no: "5"}
`
	f := setup(t, table, `{"require_authorization": false}`)
	f.say(t, "@bot #3 - 5 hello", true)
	assert.Equal(t, []out{
		{To: "r3", Kind: "text", Text: "hello"},
		{To: "r4", Kind: "text", Text: "hello"},
		{To: "r5", Kind: "text", Text: "hello"},
	}, f.sender.take())
}

func TestConflictAbortsForwarding(t *testing.T) {
	f := setup(t, conflicting, `{"require_authorization": false}`)
	events, cancel := f.bus.Subscribe(4)
	defer cancel()

	f.say(t, "@bot #101 hi", true)
	assert.Equal(t, []out{{To: "A1", Kind: "text", Text: replyConflict}}, f.sender.take())

	ev := <-events
	assert.Equal(t, eventbus.RouteConflict, ev.Type)
	data, ok := ev.Data.(eventbus.ConflictData)
	require.True(t, ok)
	assert.Equal(t, []string{"east", "west"}, data.Groups)
}

func TestSuppressedMessageIsIgnored(t *testing.T) {
	f := setup(t, routes, `{"require_authorization": false}`)
	msg := &kit.Message{ID: "z", Chat: conv.Ref{ID: "A1", Kind: conv.Group}, Sender: conv.Ref{ID: "alice"}, Kind: kit.KindText, Text: "@bot #101 hi", MentionsBot: true}
	f.coord.MarkSeen(msg.Key())
	f.coord.ClaimExclusive(msg.Key(), "keyword")
	require.NoError(t, f.p.OnMessage(context.Background(), msg))
	assert.Empty(t, f.sender.take())
}

func TestValidateConfig(t *testing.T) {
	p := New()
	assert.NoError(t, p.ValidateConfig(context.Background(), json.RawMessage(`{"prefix":"!"}`)))
	assert.Error(t, p.ValidateConfig(context.Background(), json.RawMessage(`{"prefix":"a b"}`)))
	assert.Error(t, p.ValidateConfig(context.Background(), json.RawMessage(`{"nope":1}`)))
}
