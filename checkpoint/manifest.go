package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/dynembed/blobstore"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// Manifest describes one committed checkpoint.
type Manifest struct {
	Version   int         `json:"version"`
	ID        uint64      `json:"id"`
	UUID      string      `json:"uuid"`
	CreatedAt time.Time   `json:"created_at"`
	Tables    []TableInfo `json:"tables"`
}

// Table returns the entry for name.
func (m *Manifest) Table(name string) (TableInfo, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableInfo{}, false
}

// Keys returns the total number of keys across all tables.
func (m *Manifest) Keys() int {
	n := 0
	for _, t := range m.Tables {
		n += t.Size
	}
	return n
}

// TableInfo describes the saved content of a single table.
type TableInfo struct {
	Name        string      `json:"name"`
	Dimension   int         `json:"dimension"`
	Mode        string      `json:"mode"`
	Initializer string      `json:"initializer"`
	Optimizer   string      `json:"optimizer"`
	Size        int         `json:"size"`
	Chunks      []ChunkInfo `json:"chunks"`
}

// ChunkInfo describes one chunk blob.
type ChunkInfo struct {
	Path        string `json:"path"` // Relative to the store root
	Keys        int    `json:"keys"`
	Size        int64  `json:"size"`
	Compression string `json:"compression"`
	MinKey      uint64 `json:"min_key"`
	MaxKey      uint64 `json:"max_key"`
}

func manifestName(id uint64) string {
	return fmt.Sprintf("%s-%06d.json", ManifestFileName, id)
}

func chunkDir(id uint64) string {
	return fmt.Sprintf("ckpt-%06d/", id)
}

// Store manages manifest blobs and the CURRENT pointer.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// Load loads the manifest CURRENT points to.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads a specific version ID. 0 means latest.
func (s *Store) LoadVersion(ctx context.Context, versionID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := manifestName(versionID)
	if versionID == 0 {
		content, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		name = strings.TrimSpace(string(content))
	}

	m, err := s.read(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", name, err)
	}
	return m, nil
}

func (s *Store) read(ctx context.Context, name string) (*Manifest, error) {
	content, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := json.Unmarshal(content, m); err != nil {
		return nil, err
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: manifest version %d", ErrIncompatibleVersion, m.Version)
	}
	return m, nil
}

// ListVersions returns all readable manifests ordered by ID.
// Corrupted or unreadable manifests are skipped.
func (s *Store) ListVersions(ctx context.Context) ([]*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.store.List(ctx, ManifestFileName+"-")
	if err != nil {
		return nil, err
	}
	var manifests []*Manifest
	for _, f := range files {
		if !strings.HasSuffix(f, ".json") {
			continue
		}
		m, err := s.read(ctx, f)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, nil
}

// Save writes m under its own ID and then points CURRENT at it. Readers see
// the previous checkpoint until the CURRENT write succeeds.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	name := manifestName(m.ID)
	if err := s.store.Put(ctx, name, data); err != nil {
		return err
	}
	return s.store.Put(ctx, CurrentFileName, []byte(name))
}

// DeleteVersion deletes the manifest file for the given version.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Delete(ctx, manifestName(versionID))
}
