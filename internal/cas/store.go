package cas

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/rzbill/xs/internal/metrics"
	logpkg "github.com/rzbill/xs/pkg/log"
)

var (
	// ErrNotFound is returned when a digest has no stored blob.
	ErrNotFound = errors.New("cas: not found")
	// ErrCommitted is returned when a Writer is used after Commit or Close.
	ErrCommitted = errors.New("cas: writer already finished")
)

// Options configures a Store.
type Options struct {
	Metrics *metrics.Metrics
	Logger  logpkg.Logger
}

// Store is a directory of immutable blobs keyed by digest.
type Store struct {
	dir     string
	tmp     string
	metrics *metrics.Metrics
	logger  logpkg.Logger
}

// Open prepares dir for use, clearing writers left over from a crash.
func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cas: dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &Store{
		dir:     dir,
		tmp:     filepath.Join(dir, "tmp"),
		metrics: opts.Metrics,
		logger:  logger.WithComponent("cas"),
	}
	if err := os.RemoveAll(s.tmp); err != nil {
		return nil, fmt.Errorf("cas: clear tmp: %w", err)
	}
	for _, d := range []string{s.tmp, filepath.Join(dir, Algorithm)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("cas: mkdir %s: %w", d, err)
		}
	}
	return s, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(h Hash) (string, error) {
	hx := h.Hex()
	if hx == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, string(h))
	}
	return filepath.Join(s.dir, Algorithm, hx[:2], hx), nil
}

// Writer opens a streaming writer. The caller must Commit or Close it.
func (s *Store) Writer(ctx context.Context) (*Writer, error) {
	f, err := os.CreateTemp(s.tmp, "w-*")
	if err != nil {
		return nil, fmt.Errorf("cas: create temp: %w", err)
	}
	return &Writer{ctx: ctx, s: s, f: f, h: sha256.New()}, nil
}

// Put streams r into the store.
func (s *Store) Put(ctx context.Context, r io.Reader) (*Hash, error) {
	w, err := s.Writer(ctx)
	if err != nil {
		return nil, err
	}
	defer w.Close()
	if _, err := io.Copy(w, r); err != nil {
		return nil, err
	}
	return w.Commit()
}

// Reader streams the blob for h.
func (s *Store) Reader(h Hash) (io.ReadCloser, error) {
	p, err := s.path(h)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("cas: open %s: %w", h, err)
	}
	return f, nil
}

// ReadAll returns the whole blob for h.
func (s *Store) ReadAll(h Hash) ([]byte, error) {
	r, err := s.Reader(h)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Has reports whether h is stored.
func (s *Store) Has(h Hash) bool {
	p, err := s.path(h)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Remove deletes the blob for h. Missing blobs are not an error.
func (s *Store) Remove(h Hash) error {
	p, err := s.path(h)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cas: remove %s: %w", h, err)
	}
	return nil
}

// Writer hashes and spools bytes for a single blob.
type Writer struct {
	ctx  context.Context
	s    *Store
	f    *os.File
	h    hash.Hash
	n    int64
	done bool
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrCommitted
	}
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := w.f.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }

// Sum returns the digest of the bytes written so far.
func (w *Writer) Sum() Hash { return fromDigest(w.h.Sum(nil)) }

// Commit finalizes the blob. It returns nil when nothing was written.
func (w *Writer) Commit() (*Hash, error) {
	if w.done {
		return nil, ErrCommitted
	}
	w.done = true
	tmpName := w.f.Name()
	defer os.Remove(tmpName)

	if w.n == 0 {
		_ = w.f.Close()
		return nil, nil
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return nil, fmt.Errorf("cas: sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("cas: close: %w", err)
	}

	h := w.Sum()
	if w.s.metrics != nil {
		w.s.metrics.CASBytesWritten.Add(float64(w.n))
	}
	dst, err := w.s.path(h)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dst); err == nil {
		if w.s.metrics != nil {
			w.s.metrics.CASDedupHits.Inc()
		}
		return &h, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("cas: mkdir: %w", err)
	}
	// Rename is atomic; a concurrent writer of the same bytes lands the
	// same content at the same path.
	if err := os.Rename(tmpName, dst); err != nil {
		return nil, fmt.Errorf("cas: rename: %w", err)
	}
	w.s.logger.Debug("blob stored", logpkg.Str("hash", string(h)), logpkg.Int64("bytes", w.n))
	return &h, nil
}

// Close aborts an uncommitted writer and discards its bytes.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	name := w.f.Name()
	_ = w.f.Close()
	return os.Remove(name)
}
