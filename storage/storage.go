package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
)

// ErrIntegrity is returned when a written or probed file does not match its
// declared size or hash.
var ErrIntegrity = xerrors.New("content integrity mismatch")

// Store owns the bytes under the artifact root.  Every mutation goes through
// a sibling temporary followed by an atomic rename, so a reader serving from
// the same tree never observes a partial file at a final name.
type Store struct {
	root   string
	logger slog.Logger
}

func NewStore(root string, logger slog.Logger) (*Store, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Errorf("create artifact root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Path joins the given parts under the artifact root and rejects any result
// that escapes it.  Asset paths are confined to the store by construction.
func (s *Store) Path(parts ...string) (string, error) {
	p := filepath.Join(append([]string{s.root}, parts...)...)
	p = filepath.Clean(p)
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", xerrors.Errorf("path %q escapes artifact root", filepath.Join(parts...))
	}
	return p, nil
}

// Expect declares the size and hash a written file must satisfy on Commit.
// Zero values disable the corresponding check.
type Expect struct {
	Size   int64
	SHA256 string
}

// FileWriter streams into a temporary file next to the final name.  Commit
// verifies expectations and renames atomically; Abort removes the temporary.
type FileWriter struct {
	f      *os.File
	tmp    string
	final  string
	size   int64
	sum    hash.Hash
	expect Expect
	done   bool
}

// OpenWrite creates the target's parent directories and begins a write to
// relpath.  No partial file is ever visible at the final name.
func (s *Store) OpenWrite(relpath string, expect Expect) (*FileWriter, error) {
	final, err := s.Path(relpath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, xerrors.Errorf("create parent of %q: %w", relpath, err)
	}
	f, err := os.CreateTemp(filepath.Dir(final), "."+filepath.Base(final)+".tmp*")
	if err != nil {
		return nil, xerrors.Errorf("create temporary for %q: %w", relpath, err)
	}
	return &FileWriter{
		f:      f,
		tmp:    f.Name(),
		final:  final,
		sum:    sha256.New(),
		expect: expect,
	}, nil
}

func (w *FileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.size += int64(n)
	w.sum.Write(p[:n])
	return n, err
}

// Commit verifies the declared size and hash, then renames the temporary
// over the final name.
func (w *FileWriter) Commit() error {
	if w.done {
		return xerrors.New("writer already closed")
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmp)
		return err
	}
	if w.expect.Size > 0 && w.size != w.expect.Size {
		_ = os.Remove(w.tmp)
		return xerrors.Errorf("wrote %d bytes, declared %d: %w", w.size, w.expect.Size, ErrIntegrity)
	}
	if w.expect.SHA256 != "" {
		got := hex.EncodeToString(w.sum.Sum(nil))
		if !strings.EqualFold(got, w.expect.SHA256) {
			_ = os.Remove(w.tmp)
			return xerrors.Errorf("sha256 %s, declared %s: %w", got, w.expect.SHA256, ErrIntegrity)
		}
	}
	if err := os.Rename(w.tmp, w.final); err != nil {
		_ = os.Remove(w.tmp)
		return xerrors.Errorf("rename into place: %w", err)
	}
	return nil
}

// Observed returns the size and hex sha256 of the written content.  Valid
// once the stream is fully written; callers record it after Commit.
func (w *FileWriter) Observed() Expect {
	return Expect{
		Size:   w.size,
		SHA256: hex.EncodeToString(w.sum.Sum(nil)),
	}
}

// Abort discards the temporary.  Safe to call after Commit.
func (w *FileWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	_ = w.f.Close()
	_ = os.Remove(w.tmp)
}

// Has reports whether relpath exists and, when expectations are given,
// matches them.  A mismatch is treated as absent.
func (s *Store) Has(relpath string, expect Expect) bool {
	p, err := s.Path(relpath)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		return false
	}
	if expect.Size > 0 && fi.Size() != expect.Size {
		return false
	}
	if expect.SHA256 != "" {
		sum, err := hashFile(p)
		if err != nil || !strings.EqualFold(sum, expect.SHA256) {
			return false
		}
	}
	return true
}

// HashFile returns the hex sha256 of the file at relpath.
func (s *Store) HashFile(relpath string) (string, error) {
	p, err := s.Path(relpath)
	if err != nil {
		return "", err
	}
	return hashFile(p)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Remove recursively deletes relpath.  Best effort; missing paths are not
// an error.
func (s *Store) Remove(relpath string) error {
	p, err := s.Path(relpath)
	if err != nil {
		return err
	}
	if p == s.root {
		return xerrors.New("refusing to remove the artifact root")
	}
	return os.RemoveAll(p)
}

// WriteJSON atomically replaces relpath with the JSON encoding of v.
func (s *Store) WriteJSON(relpath string, v interface{}) error {
	w, err := s.OpenWrite(relpath, Expect{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		w.Abort()
		return xerrors.Errorf("encode %q: %w", relpath, err)
	}
	return w.Commit()
}

// ReadJSON decodes relpath into v.  Returns os.ErrNotExist wrapped if the
// file is absent.
func (s *Store) ReadJSON(relpath string, v interface{}) error {
	p, err := s.Path(relpath)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return xerrors.Errorf("decode %q: %w", relpath, err)
	}
	return nil
}

// FileServer serves raw files from the artifact root.  Used for binary
// payload downloads; the file server handles range requests.
func (s *Store) FileServer() http.Handler {
	return http.FileServer(http.Dir(s.root))
}

// dirNames returns the names of directories in dir.  Partial results are
// returned alongside the error so scans tolerate concurrent writers.
func dirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, err
}
