package authorize

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/authz"
	"relaybot/internal/conv"
	"relaybot/internal/dispatch"
	"relaybot/internal/media"
	core "relaybot/internal/plugin"
	kit "relaybot/internal/transport"
)

type reply struct {
	To      string
	Text    string
	Mention []conv.Ref
}

type fakeSender struct {
	mu   sync.Mutex
	sent []reply
}

func (f *fakeSender) SendText(_ context.Context, to conv.Ref, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := reply{To: to.ID, Text: text}
	if opt != nil {
		r.Mention = opt.Mention
	}
	f.sent = append(f.sent, r)
	return kit.MessageRef{ChatID: to.ID}, nil
}

func (f *fakeSender) SendMedia(context.Context, conv.Ref, media.Handle, string) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (f *fakeSender) Forward(context.Context, conv.Ref, kit.MessageRef) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (f *fakeSender) last() reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return reply{}
	}
	return f.sent[len(f.sent)-1]
}

var (
	bot   = conv.Ref{ID: "bot", Name: "relaybot"}
	boss  = conv.Ref{ID: "boss", Name: "Boss"}
	carol = conv.Ref{ID: "carol", Name: "Carol"}
	dave  = conv.Ref{ID: "dave", Name: "Dave"}
	room  = conv.Ref{ID: "room-1", Name: "volunteers", Kind: conv.Group}
)

func setup(t *testing.T, now time.Time) (*Plugin, *authz.Ledger, *fakeSender) {
	t.Helper()
	ledger := authz.New(nil, authz.WithClock(func() time.Time { return now }), authz.WithLocation(time.UTC))
	sender := &fakeSender{}
	p := New()
	ctx := context.Background()
	require.NoError(t, p.Init(ctx, core.Deps{Sender: sender, Ledger: ledger, Self: bot, Coordinator: dispatch.New()}))
	require.NoError(t, p.OnConfigChange(ctx, json.RawMessage(`{"authorizers":["boss", {"type":"regex","value":"^lead-"}]}`)))
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p, ledger, sender
}

func grantMsg(id, text string, from conv.Ref, mentions ...conv.Ref) *kit.Message {
	return &kit.Message{
		ID:          id,
		Chat:        room,
		Sender:      from,
		Kind:        kit.KindText,
		Text:        text,
		MentionsBot: true,
		Mentions:    mentions,
	}
}

func TestGrantToday(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	p, ledger, sender := setup(t, now)
	ctx := context.Background()

	require.NoError(t, p.OnMessage(ctx, grantMsg("1", "@relaybot @Carol @Dave 今日授权", boss, carol, dave)))

	assert.True(t, ledger.IsAuthorized(ctx, "carol"))
	assert.True(t, ledger.IsAuthorized(ctx, "dave"))
	assert.False(t, ledger.IsAuthorized(ctx, "boss"))
	got, err := ledger.Granted(ctx, "2024-05-01", "room-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"carol", "dave"}, got)

	last := sender.last()
	assert.Equal(t, replyGrantedToday, last.Text)
	assert.Equal(t, []conv.Ref{boss}, last.Mention)
}

func TestGrantTomorrowIsNotValidToday(t *testing.T) {
	now := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	p, ledger, _ := setup(t, now)
	ctx := context.Background()

	require.NoError(t, p.OnMessage(ctx, grantMsg("1", "@relaybot @Carol 明日授权", boss, carol)))
	assert.False(t, ledger.IsAuthorized(ctx, "carol"))
	ok, err := ledger.IsAuthorizedOn(ctx, "2024-05-02", "carol")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRevoke(t *testing.T) {
	p, ledger, sender := setup(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	require.NoError(t, p.OnMessage(ctx, grantMsg("1", "@relaybot @Carol 今日授权", boss, carol)))
	require.NoError(t, p.OnMessage(ctx, grantMsg("2", "@relaybot @Carol 取消授权", boss, carol)))
	assert.False(t, ledger.IsAuthorized(ctx, "carol"))
	assert.Equal(t, replyRevoked, sender.last().Text)
}

func TestReplyCountsAsMention(t *testing.T) {
	p, ledger, _ := setup(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	msg := grantMsg("1", "@relaybot 今日授权", boss)
	msg.ReplyTo = &carol
	require.NoError(t, p.OnMessage(ctx, msg))
	assert.True(t, ledger.IsAuthorized(ctx, "carol"))
}

func TestPatternAuthorizer(t *testing.T) {
	p, ledger, _ := setup(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	lead := conv.Ref{ID: "lead-7"}
	require.NoError(t, p.OnMessage(ctx, grantMsg("1", "@relaybot @Carol 今日授权", lead, carol)))
	assert.True(t, ledger.IsAuthorized(ctx, "carol"))
}

func TestNonAuthorizerIgnored(t *testing.T) {
	p, ledger, sender := setup(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	require.NoError(t, p.OnMessage(ctx, grantMsg("1", "@relaybot @Carol 今日授权", dave, carol)))
	assert.False(t, ledger.IsAuthorized(ctx, "carol"))
	assert.Equal(t, reply{}, sender.last())
}

func TestKeywordHints(t *testing.T) {
	p, ledger, sender := setup(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, p.OnMessage(ctx, grantMsg("1", "@relaybot @Carol", boss, carol)))
	assert.Equal(t, replyHint, sender.last().Text)

	require.NoError(t, p.OnMessage(ctx, grantMsg("2", "@relaybot @Carol 授权一下", boss, carol)))
	assert.Contains(t, sender.last().Text, "授权一下为无效关键字")
	assert.False(t, ledger.IsAuthorized(ctx, "carol"))
}

func TestBotOnlyMentionIsNotAGrant(t *testing.T) {
	p, _, sender := setup(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, p.OnMessage(context.Background(), grantMsg("1", "@relaybot 今日授权", boss, bot)))
	assert.Equal(t, reply{}, sender.last())
}

func TestValidateConfig(t *testing.T) {
	p := New()
	ctx := context.Background()
	assert.NoError(t, p.ValidateConfig(ctx, json.RawMessage(`{"authorizers":["a"],"retention_days":30}`)))
	assert.Error(t, p.ValidateConfig(ctx, json.RawMessage(`{"authorizers":[{"type":"regex","value":"("}]}`)))
	assert.Error(t, p.ValidateConfig(ctx, json.RawMessage(`{"retention_days":-1}`)))
}
