// Package media caches received attachments on disk so a single download can
// be delivered to many conversations.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind mirrors the attachment flavours a transport can send back out.
type Kind string

const (
	KindPhoto    Kind = "photo"
	KindDocument Kind = "document"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindVoice    Kind = "voice"
)

// ErrTooLarge is returned when a payload exceeds the configured limit.
var ErrTooLarge = errors.New("media: payload exceeds max size")

// Handle is a transport-agnostic reference to a cached file.
// The same Handle is handed to every destination of a fan-out.
type Handle struct {
	Path string
	Name string // original file name shown to recipients
	Kind Kind
	MIME string
	Size int64
}

// Cache persists media into a scoped directory.
type Cache struct {
	dir      string
	maxBytes int64
	now      func() time.Time
}

// Config configures Cache. Zero MaxBytes means unlimited.
type Config struct {
	Dir      string
	MaxBytes int64
}

func New(cfg Config) (*Cache, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "relaybot-media")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create cache dir: %w", err)
	}
	return &Cache{dir: dir, maxBytes: cfg.MaxBytes, now: time.Now}, nil
}

func (c *Cache) Dir() string { return c.dir }

// Persist writes r once under a generated file name that keeps the extension
// of name. Partial writes are removed.
func (c *Cache) Persist(ctx context.Context, name string, kind Kind, r io.Reader) (Handle, error) {
	if r == nil {
		return Handle{}, errors.New("media: nil reader")
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	ext := filepath.Ext(base)
	if ext == "" {
		ext = defaultExt(kind)
	}
	path := filepath.Join(c.dir, uuid.NewString()+ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Handle{}, err
	}
	src := r
	if c.maxBytes > 0 {
		src = io.LimitReader(r, c.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && c.maxBytes > 0 && n > c.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return Handle{}, err
	}
	if base == "" {
		base = filepath.Base(path)
	}
	return Handle{Path: path, Name: base, Kind: kind, MIME: mime.TypeByExtension(ext), Size: n}, nil
}

// Open reconstructs a Handle from a cached path.
func (c *Cache) Open(path string, kind Kind) (Handle, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Handle{}, err
	}
	if st.IsDir() {
		return Handle{}, fmt.Errorf("media: %s is a directory", path)
	}
	ext := filepath.Ext(path)
	return Handle{
		Path: path,
		Name: filepath.Base(path),
		Kind: kind,
		MIME: mime.TypeByExtension(ext),
		Size: st.Size(),
	}, nil
}

// Prune removes cached files older than maxAge. It returns the number removed.
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(c.dir, e.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func defaultExt(kind Kind) string {
	switch kind {
	case KindPhoto:
		return ".jpg"
	case KindVideo:
		return ".mp4"
	case KindVoice:
		return ".ogg"
	case KindAudio:
		return ".mp3"
	default:
		return ".bin"
	}
}

// KindFor guesses the kind of a file from its extension. Unknown types are
// sent as documents.
func KindFor(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return KindPhoto
	case ".mp4", ".mov", ".webm":
		return KindVideo
	case ".mp3", ".m4a", ".wav":
		return KindAudio
	case ".ogg", ".oga":
		return KindVoice
	case ".gif":
		return KindDocument
	}
	typ := mime.TypeByExtension(ext)
	switch {
	case strings.HasPrefix(typ, "image/"):
		return KindPhoto
	case strings.HasPrefix(typ, "video/"):
		return KindVideo
	case strings.HasPrefix(typ, "audio/"):
		return KindAudio
	}
	return KindDocument
}
