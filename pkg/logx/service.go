package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"relaybot/internal/conv"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Operator OperatorConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OperatorConfig controls the operator sink. Lines at or above MinLevel are
// posted to the conversation set with SetOperatorTarget.
type OperatorConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./relaybot.log"

// Service owns the log outputs. Apply swaps them at runtime; every Logger
// handed out by the Service follows the swap.
type Service struct {
	mu   sync.Mutex
	file *os.File
	ops  *operatorSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the Service with its root Logger. sender may be
// nil until the transport exists; see SetSender.
func New(cfg Config, sender OperatorSender) (*Service, Logger) {
	setGlobals()
	s := &Service{ops: newOperatorSink(sender)}
	boot := consoleRoot(os.Stdout, parseLevel(cfg.Level, LevelInfo))
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetOperatorTarget chooses the conversation for operator lines. A zero ref
// mutes the sink without touching the rest of the config.
func (s *Service) SetOperatorTarget(to conv.Ref) { s.ops.setTarget(to) }

// SetSender attaches the transport once it exists.
func (s *Service) SetSender(sender OperatorSender) { s.ops.setSender(sender) }

// Apply rebuilds the outputs from cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	s.ops.configure(cfg.Operator)
	if cfg.Operator.Enabled {
		outs = append(outs, s.ops)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close stops the operator worker and closes the log file.
func (s *Service) Close() error {
	s.ops.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func consoleRoot(w io.Writer, lvl Level) zerolog.Logger {
	return zerolog.New(consoleWriter(w)).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
