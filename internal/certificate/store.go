package certificate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	apperrors "fathomlicense/internal/errors"
)

// Store persists certificates on the issuing workstation.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
}

var certificateIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// FileStore keeps one JSON file per certificate in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("certificate directory is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create certificate directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) (string, error) {
	if !certificateIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: invalid certificate id %q", apperrors.ErrInvalidRequestData, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save writes rec, replacing an earlier copy with the same id.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("certificate is nil")
	}
	path, err := s.path(rec.CertificateID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".cert-*.tmp")
	if err != nil {
		return fmt.Errorf("save certificate: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("save certificate: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save certificate: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save certificate: %w", err)
	}
	return nil
}

// Get loads a certificate by id.
func (s *FileStore) Get(_ context.Context, id string) (*Record, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	rec, err := readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrCertificateNotFound, id)
	}
	return rec, err
}

// List returns every stored certificate ordered by IssuedAt.
func (s *FileStore) List(ctx context.Context) ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	var out []*Record
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := readRecord(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b *Record) int {
		if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.CertificateID, b.CertificateID)
	})
	return out, nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode certificate %s: %w", filepath.Base(path), err)
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = SyncPending
	}
	return &rec, nil
}
