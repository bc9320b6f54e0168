package routecfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// Store caches the parsed routing table and re-parses it when the file's
// modification time or size changes. Callers must not hold on to results
// beyond one logical operation.
type Store struct {
	path string
	log  logx.Logger

	mu        sync.Mutex
	modTime   time.Time
	size      int64
	loaded    bool
	entries   []*Entry
	admins    map[string][]int
	conflicts []*ConflictError
	parses    int
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

func NewStore(path string, opts ...Option) *Store {
	s := &Store{path: strings.TrimSpace(path), log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Path() string { return s.path }

// Entries returns the current routing groups. The slice is the caller's; the
// entries are shared with the store and must be treated as read-only.
func (s *Store) Entries() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	return slices.Clone(s.entries), nil
}

// AdminEntry returns the group administered by id, nil if id is not an admin,
// or a *ConflictError if id administers several groups.
func (s *Store) AdminEntry(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	list := s.admins[id]
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return s.entries[list[0]], nil
	default:
		for _, c := range s.conflicts {
			if c.AdminID == id {
				return nil, c
			}
		}
		return nil, &ConflictError{AdminID: id}
	}
}

// IsAdmin reports whether id administers exactly one group. A conflicting id
// reports the conflict as an error.
func (s *Store) IsAdmin(id string) (bool, error) {
	e, err := s.AdminEntry(id)
	return e != nil, err
}

// Conflicts lists every admin id configured in more than one group.
func (s *Store) Conflicts() ([]*ConflictError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	return slices.Clone(s.conflicts), nil
}

// Parses returns how many times the backing file has been parsed.
func (s *Store) Parses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parses
}

func (s *Store) refreshLocked() error {
	if s.path == "" {
		return errors.New("routecfg: no routing table configured")
	}
	st, err := os.Stat(s.path)
	if err != nil {
		if s.loaded {
			s.log.Warn("routing table unavailable, serving cached copy", logx.String("path", s.path), logx.Err(err))
			return nil
		}
		return fmt.Errorf("routecfg: %w", err)
	}
	if s.loaded && st.ModTime().Equal(s.modTime) && st.Size() == s.size {
		return nil
	}

	entries, err := Load(s.path)
	if err != nil {
		if s.loaded {
			s.log.Error("routing table reload failed, keeping previous", logx.String("path", s.path), logx.Err(err))
			return nil
		}
		return err
	}
	s.parses++
	s.entries = entries
	s.admins, s.conflicts = buildIndex(entries)
	s.modTime, s.size, s.loaded = st.ModTime(), st.Size(), true

	s.log.Info("routing table loaded",
		logx.String("path", s.path),
		logx.Int("groups", len(entries)),
		logx.Int("conflicts", len(s.conflicts)),
	)
	for _, c := range s.conflicts {
		s.log.Error("routing table conflict", logx.String("admin", c.AdminID), logx.Any("groups", c.Groups))
	}
	return nil
}

// Load parses a routing table, choosing the format by file extension.
func Load(path string) ([]*Entry, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return loadExcel(path)
	case ".yaml", ".yml":
		return loadYAML(path)
	case ".json":
		return loadJSON(path)
	default:
		return nil, fmt.Errorf("routecfg: unsupported table format %q", filepath.Ext(path))
	}
}
