// Package artifact stores step screenshots on disk.
package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown screenshot references
var ErrNotFound = errors.New("screenshot not found")

// Screenshot describes a stored image
type Screenshot struct {
	Ref       string    `json:"ref"`
	Owner     string    `json:"owner"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	Path      string    `json:"-"`
}

// Store keeps screenshots under a base directory, indexed in memory
type Store struct {
	items     sync.Map // ref -> *Screenshot
	storePath string
}

// NewStore creates the storage directory if needed
func NewStore(storePath string) (*Store, error) {
	if err := os.MkdirAll(storePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &Store{
		storePath: storePath,
	}, nil
}

// Save writes a PNG for owner and returns its reference
func (s *Store) Save(owner string, data []byte) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required")
	}

	ref := uuid.New().String() + ".png"
	dir := filepath.Join(s.storePath, owner)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create owner directory: %w", err)
	}

	path := filepath.Join(dir, ref)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}

	s.items.Store(ref, &Screenshot{
		Ref:       ref,
		Owner:     owner,
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
		Path:      path,
	})

	return ref, nil
}

// Get returns the metadata of a screenshot
func (s *Store) Get(ref string) (*Screenshot, error) {
	value, ok := s.items.Load(ref)
	if !ok {
		return nil, ErrNotFound
	}
	return value.(*Screenshot), nil
}

// Open returns a reader over the screenshot bytes
func (s *Store) Open(ref string) (*os.File, *Screenshot, error) {
	shot, err := s.Get(ref)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(shot.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open screenshot: %w", err)
	}
	return f, shot, nil
}

// List returns an owner's screenshots, oldest first
func (s *Store) List(owner string) []*Screenshot {
	var shots []*Screenshot
	s.items.Range(func(key, value interface{}) bool {
		shot := value.(*Screenshot)
		if shot.Owner == owner {
			shots = append(shots, shot)
		}
		return true
	})
	sort.Slice(shots, func(i, j int) bool {
		return shots[i].CreatedAt.Before(shots[j].CreatedAt)
	})
	return shots
}

// DeleteOwner removes every screenshot of owner
func (s *Store) DeleteOwner(owner string) (int, error) {
	shots := s.List(owner)
	for _, shot := range shots {
		s.items.Delete(shot.Ref)
	}

	if err := os.RemoveAll(filepath.Join(s.storePath, owner)); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to delete screenshots: %w", err)
	}

	return len(shots), nil
}

// Archive streams an owner's screenshots as a tar.gz
func (s *Store) Archive(owner string, w io.Writer) error {
	shots := s.List(owner)
	if len(shots) == 0 {
		return ErrNotFound
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	for i, shot := range shots {
		if err := writeEntry(tarWriter, shot, fmt.Sprintf("%03d-%s", i+1, shot.Ref)); err != nil {
			return err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func writeEntry(tw *tar.Writer, shot *Screenshot, name string) error {
	file, err := os.Open(shot.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, info.Name())
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}
