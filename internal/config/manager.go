package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"

	logx "relaybot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchRetryMin   = 250 * time.Millisecond
	watchRetryMax   = 5 * time.Second
)

// ConfigManager owns the current Config, reloads it when the file changes
// and fans new versions out to subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	validator func(ctx context.Context, cfg *Config) error

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a hook that must accept a reloaded config before it
// is committed and published.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file, decodes it strictly and applies RELAYBOT_* env
// overrides. It does not commit.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	body, err := jsonBody(m.path, raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(body)
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}
	return cfg, nil
}

func decodeStrict(body []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return &cfg, nil
	case err == nil:
		return nil, errors.New("config: trailing data after document")
	default:
		return nil, fmt.Errorf("config: %w", err)
	}
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	h := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.lastHash = cfg, h
	m.mu.Unlock()
}

func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every published config. A slow
// subscriber loses older versions, never the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if offerLatest(ch, cfg) {
			continue
		}
		m.log.Debug("config update dropped; subscriber full", logx.Int("cap", cap(ch)))
	}
}

// offerLatest delivers cfg, evicting one queued item if the buffer is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload re-reads the file and publishes it when the content changed and the
// validator accepts it.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if same {
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// debouncer coalesces bursts of file events into one reload.
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	fn    func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(reloadDebounce, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// backoff grows a retry delay with jitter up to watchRetryMax.
type backoff struct{ cur time.Duration }

func (b *backoff) next() time.Duration {
	if b.cur < watchRetryMin {
		b.cur = watchRetryMin
	}
	wait := b.cur + rand.N(b.cur/2+1)
	b.cur = min(b.cur*2, watchRetryMax)
	return wait
}

func (b *backoff) reset() { b.cur = 0 }

// Watch reloads the config whenever its file changes until ctx ends. The
// parent directory is watched so editors that replace the file are seen. A
// failed watcher is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	d := &debouncer{fn: func() { m.reload(ctx) }}
	defer d.stop()

	var bo backoff
	for ctx.Err() == nil {
		started, err := m.watchOnce(ctx, d)
		if ctx.Err() != nil {
			break
		}
		if started {
			bo.reset()
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path), logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends. started
// reports whether the watcher was established.
func (m *ConfigManager) watchOnce(ctx context.Context, d *debouncer) (started bool, err error) {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, fsnotify.ErrClosed
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				d.trigger()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, fsnotify.ErrClosed
			}
			switch {
			case werr == nil:
			case errors.Is(werr, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.String("dir", dir))
				d.trigger()
			case errors.Is(werr, fsnotify.ErrClosed):
				return true, werr
			default:
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(werr))
			}
		}
	}
}
