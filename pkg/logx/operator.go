package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"relaybot/internal/conv"
	kit "relaybot/internal/transport"
)

// OperatorSender is the slice of a transport the operator sink needs.
type OperatorSender interface {
	SendText(ctx context.Context, to conv.Ref, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const (
	operatorQueue   = 256
	operatorTimeout = 10 * time.Second
	operatorMaxText = 3500
)

type operatorLine struct {
	to   conv.Ref
	text string
}

// operatorSink is a zerolog.LevelWriter that turns JSON log lines into chat
// messages. Writes never block: lines are dropped when the rate limit or the
// queue is exhausted.
type operatorSink struct {
	mu       sync.Mutex
	sender   OperatorSender
	target   conv.Ref
	minLevel Level
	limiter  *rate.Limiter

	queue  chan operatorLine
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newOperatorSink(sender OperatorSender) *operatorSink {
	return &operatorSink{
		sender:   sender,
		minLevel: LevelWarn,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan operatorLine, operatorQueue),
	}
}

func (o *operatorSink) setTarget(to conv.Ref) {
	o.mu.Lock()
	o.target = to
	o.mu.Unlock()
}

func (o *operatorSink) setSender(s OperatorSender) {
	o.mu.Lock()
	o.sender = s
	o.mu.Unlock()
}

func (o *operatorSink) configure(cfg OperatorConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	o.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	o.mu.Unlock()
	if cfg.Enabled {
		o.once.Do(o.start)
	}
}

func (o *operatorSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-o.queue:
				o.deliver(ctx, line)
			}
		}
	}()
}

func (o *operatorSink) deliver(ctx context.Context, line operatorLine) {
	o.mu.Lock()
	sender := o.sender
	o.mu.Unlock()
	if sender == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, operatorTimeout)
	defer cancel()
	_, _ = sender.SendText(sctx, line.to, line.text, &kit.SendOptions{DisablePreview: true})
}

func (o *operatorSink) close() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *operatorSink) Write(p []byte) (int, error) { return o.WriteLevel(LevelInfo, p) }

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	to, floor, lim, ready := o.target, o.minLevel, o.limiter, o.sender != nil
	o.mu.Unlock()

	if !ready || to.IsZero() || level < floor || !lim.Allow() {
		return len(p), nil
	}
	if text := operatorText(p); text != "" {
		select {
		case o.queue <- operatorLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// operatorText renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field, sorted by key.
func operatorText(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), operatorMaxText)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", truncate(fmt.Sprint(m[k]), 900))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), operatorMaxText)
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
