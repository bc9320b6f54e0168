package oncall

import (
	"context"
	"encoding/json"
	"fmt"
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
	"relaybot/internal/match"
	"relaybot/internal/media"
	core "relaybot/internal/plugin"
	kit "relaybot/internal/transport"
)

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

func (f *fakeSender) SendMedia(_ context.Context, to conv.Ref, h media.Handle, _ string) (kit.MessageRef, error) {
	f.add(out{To: to.ID, Kind: "media", Text: h.Name})
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

func (f *fakeSender) to(id string) []out {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s []out
	for _, o := range f.sent {
		if o.To == id {
			s = append(s, o)
		}
	}
	return s
}

type rooms []conv.Ref

func (r rooms) Conversations() []conv.Ref { return r }

var observed = rooms{
	{ID: "W1", Name: "阳光小区工作群", Kind: conv.Group},
	{ID: "-3", Name: "阳光小区3号楼", Kind: conv.Group},
	{ID: "-5", Name: "阳光小区 5号楼团购", Kind: conv.Group},
	{ID: "-6", Name: "阳光小区6号楼", Kind: conv.Group},
	{ID: "-13", Name: "阳光小区13号楼", Kind: conv.Group},
	{ID: "-9", Name: "月亮湾3号楼", Kind: conv.Group},
	{ID: "u-3", Name: "阳光小区3号楼 张三", Kind: conv.Individual},
}

type fixture struct {
	p      *Plugin
	sender *fakeSender
	engine *forward.Engine
	coord  *dispatch.Coordinator
	n      int
}

func setup(t *testing.T, raw string) *fixture {
	t.Helper()
	cache, err := media.New(media.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	f := &fixture{sender: &fakeSender{}, coord: dispatch.New()}
	f.engine = forward.New(forward.Config{Pace: -1}, forward.Deps{Sender: f.sender})
	f.p = New()

	ctx := context.Background()
	deps := core.Deps{
		Sender:        f.sender,
		Conversations: observed,
		Self:          conv.Ref{ID: "bot", Kind: conv.Individual},
		Coordinator:   f.coord,
		Engine:        f.engine,
		Cache:         cache,
	}
	require.NoError(t, f.p.Init(ctx, deps))
	require.NoError(t, f.p.OnConfigChange(ctx, json.RawMessage(raw)))
	require.NoError(t, f.p.Start(ctx))
	t.Cleanup(func() { _ = f.p.Stop(context.Background()) })
	return f
}

func (f *fixture) say(t *testing.T, chat, text string) *kit.Message {
	t.Helper()
	f.n++
	msg := &kit.Message{
		ID:     fmt.Sprintf("m%d", f.n),
		Chat:   conv.Ref{ID: chat, Name: "阳光小区工作群", Kind: conv.Group},
		Sender: conv.Ref{ID: "alice", Kind: conv.Individual},
		Kind:   kit.KindText,
		Text:   text,
	}
	require.True(t, f.coord.MarkSeen(msg.Key()))
	require.NoError(t, f.p.OnMessage(context.Background(), msg))
	return msg
}

const siteConfig = `{"sites":[{"convs":["W1"],"prefix":"阳光小区","notices":[
	{"keyword":"团购","reply":"团购物资已送达，请下楼领取"},
	{"keyword":"核酸","reply":"今日核酸检测开始"}
]}]}`

func TestNoticeReachesMatchingGroups(t *testing.T) {
	f := setup(t, siteConfig)
	msg := f.say(t, "W1", "团购 3 5")

	assert.True(t, f.coord.IsSuppressed(msg.Key(), "other"), "handled notice claims the message")
	assert.Equal(t, []out{{To: "-3", Kind: "text", Text: "团购物资已送达，请下楼领取"}}, f.sender.to("-3"))
	assert.Len(t, f.sender.to("-5"), 1)
	assert.Empty(t, f.sender.to("-6"))
	assert.Empty(t, f.sender.to("-13"), "13 is not building 3")
	assert.Empty(t, f.sender.to("-9"), "other site")
	assert.Empty(t, f.sender.to("u-3"), "only groups receive notices")

	replies := f.sender.to("W1")
	require.Len(t, replies, 2)
	assert.Equal(t, "收到，现在开始按预设【团购】进行发送", replies[0].Text)
	assert.Contains(t, replies[1].Text, "通知已完成")

	rec, ok := f.engine.LastDelivery(Owner(msg))
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"-3", "-5"}, rec.Succeeded)
}

func TestNoticeExpandsRanges(t *testing.T) {
	f := setup(t, siteConfig)
	f.say(t, "W1", "核酸 6～3")

	for _, id := range []string{"-3", "-5", "-6"} {
		assert.Len(t, f.sender.to(id), 1, id)
	}
	assert.Empty(t, f.sender.to("-13"))
}

func TestQueryListsLastRoundTopics(t *testing.T) {
	f := setup(t, siteConfig)

	f.say(t, "W1", "查询")
	assert.Equal(t, []out{{To: "W1", Kind: "text", Text: replyNoRound}}, f.sender.take())

	f.say(t, "W1", "团购 3 6")
	f.sender.take()

	f.say(t, "W1", "查询")
	got := f.sender.take()
	require.Len(t, got, 1)
	assert.Equal(t, "上一轮通知：成功 2 / 2\n阳光小区3号楼\n阳光小区6号楼", got[0].Text)
}

func TestIgnoresOtherConversationsAndText(t *testing.T) {
	f := setup(t, siteConfig)

	msg := f.say(t, "W2", "团购 3")
	assert.Empty(t, f.sender.take())
	assert.False(t, f.coord.IsSuppressed(msg.Key(), "other"))

	msg = f.say(t, "W1", "今天 3 号楼 有人 吗")
	assert.Empty(t, f.sender.take())
	assert.False(t, f.coord.IsSuppressed(msg.Key(), "other"), "no keyword, nothing claimed")
}

func TestNoMatchingGroups(t *testing.T) {
	f := setup(t, siteConfig)
	f.say(t, "W1", "团购 88")
	got := f.sender.take()
	require.Len(t, got, 2)
	assert.Equal(t, replyNoRooms, got[1].Text)

	_, ok := f.engine.LastDelivery("oncall:W1")
	assert.False(t, ok)
}

func TestBadRangeIsReported(t *testing.T) {
	f := setup(t, siteConfig)
	f.say(t, "W1", "团购 1-2-3 5")
	assert.Len(t, f.sender.to("-5"), 1)
	replies := f.sender.to("W1")
	require.NotEmpty(t, replies)
	assert.Equal(t, "1-2-3中所包含的楼栋未成功通知，请按正确指定格式重试", replies[0].Text)
}

func TestMissingPrefix(t *testing.T) {
	f := setup(t, `{"sites":[{"convs":["W1"],"notices":[{"keyword":"团购","reply":"到了"}]}]}`)
	f.say(t, "W1", "团购 3")
	assert.Equal(t, []out{{To: "W1", Kind: "text", Text: replyNoPrefix}}, f.sender.take())
}

func TestNoticeMedia(t *testing.T) {
	poster := filepath.Join(t.TempDir(), "poster.jpg")
	require.NoError(t, os.WriteFile(poster, []byte("jpeg"), 0o600))
	raw := fmt.Sprintf(`{"sites":[{"convs":["W1"],"prefix":"阳光小区","notices":[{"keyword":"团购","reply":"到了","media":%q}]}]}`, poster)

	f := setup(t, raw)
	f.say(t, "W1", "团购 3")
	assert.Equal(t, []out{
		{To: "-3", Kind: "text", Text: "到了"},
		{To: "-3", Kind: "media", Text: "poster.jpg"},
	}, f.sender.to("-3"))
}

func TestHeldNotice(t *testing.T) {
	f := setup(t, `{"sites":[{"convs":["W1"],"prefix":"阳光小区","notices":[{"keyword":"团购","reply":"到了","hold":"1s"}]}]}`)
	f.say(t, "W1", "团购 3")

	replies := f.sender.to("W1")
	require.Len(t, replies, 1)
	assert.Equal(t, "收到，等待1秒后，按预设【团购】进行发送", replies[0].Text)
	assert.Empty(t, f.sender.to("-3"), "held until the delay passes")

	assert.Eventually(t, func() bool { return len(f.sender.to("-3")) == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestConfigValidation(t *testing.T) {
	p := New()
	ctx := context.Background()
	for name, raw := range map[string]string{
		"no convs":      `{"sites":[{"prefix":"x","notices":[]}]}`,
		"empty reply":   `{"sites":[{"convs":["W1"],"notices":[{"keyword":"a"}]}]}`,
		"two words":     `{"sites":[{"convs":["W1"],"notices":[{"keyword":"a b","reply":"r"}]}]}`,
		"duplicate":     `{"sites":[{"convs":["W1"],"notices":[{"keyword":"a","reply":"r"},{"keyword":"a","reply":"s"}]}]}`,
		"query keyword": `{"sites":[{"convs":["W1"],"notices":[{"keyword":"查询","reply":"r"}]}]}`,
		"bad hold":      `{"sites":[{"convs":["W1"],"notices":[{"keyword":"a","reply":"r","hold":"soon"}]}]}`,
		"long hold":     `{"sites":[{"convs":["W1"],"notices":[{"keyword":"a","reply":"r","hold":"2h"}]}]}`,
		"media type":    `{"sites":[{"convs":["W1"],"notices":[{"keyword":"a","reply":"r","media":"x.bin","media_type":"sticker"}]}]}`,
		"unknown field": `{"sites":[],"extra":1}`,
	} {
		assert.Error(t, p.ValidateConfig(ctx, json.RawMessage(raw)), name)
	}
	assert.NoError(t, p.ValidateConfig(ctx, json.RawMessage(siteConfig)))
}

func TestBuildings(t *testing.T) {
	got, rejected := Buildings([]string{"3", "5-7", "7", "12～10", "03", "楼", "3号", "2-4-6"})
	assert.Equal(t, []string{"3", "5", "6", "7", "10", "11", "12"}, got)
	assert.Equal(t, []string{"2-4-6"}, rejected)
}

func TestRoomPattern(t *testing.T) {
	cases := map[string]bool{
		"阳光小区3号楼":    true,
		"阳光小区A区3号楼":  true,
		"阳光小区3":      true,
		"阳光小区13号楼":   false,
		"阳光小区31号楼":   false,
		"月亮湾阳光小区3号楼": false,
	}
	for title, want := range cases {
		r, err := match.Pattern(RoomPattern("阳光小区", "3"))
		require.NoError(t, err)
		assert.Equal(t, want, r.Match(context.Background(), conv.Ref{ID: "x", Name: title}), title)
	}
}
