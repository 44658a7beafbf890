// Package cloudstore resolves point cloud names to decoded clouds.
package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/fsutil"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

const (
	DefaultCacheTTL        = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute
)

var (
	// ErrNotFound is returned when a name does not resolve to a cloud file.
	ErrNotFound = errors.New("cloud not found")
	// ErrInvalidName is returned for names that are not bare file names.
	ErrInvalidName = errors.New("invalid cloud name")
)

// LoadError wraps a failure to read or decode a named cloud.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load cloud %q: %v", e.Name, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

// Store resolves cloud names. Returned clouds may be shared between callers
// and must be treated as read-only.
type Store interface {
	// LoadCloud returns the decoded cloud called name.
	LoadCloud(ctx context.Context, name string) (pointcloud.PointCloud, error)

	// ListClouds returns the names of every loadable cloud, sorted.
	ListClouds(ctx context.Context) ([]string, error)
}

// DirStore serves the cloud files of a single directory.
type DirStore struct {
	fs    fsutil.FileSystem
	dir   string
	cache *gocache.Cache

	// mu guards gens and epoch. A load only caches its result when neither
	// moved while it was reading, so an invalidation during a load wins.
	mu    sync.Mutex
	gens  map[string]uint64
	epoch uint64
}

// NewDirStore returns a store for dir. A ttl of zero disables caching.
func NewDirStore(fsys fsutil.FileSystem, dir string, ttl time.Duration) *DirStore {
	s := &DirStore{fs: fsys, dir: filepath.Clean(dir), gens: make(map[string]uint64)}
	if ttl > 0 {
		s.cache = gocache.New(ttl, DefaultCleanupInterval)
	}
	return s
}

// Dir returns the directory being served.
func (s *DirStore) Dir() string { return s.dir }

// LoadCloud reads and decodes dir/name.
func (s *DirStore) LoadCloud(ctx context.Context, name string) (pointcloud.PointCloud, error) {
	if err := validateName(name); err != nil {
		return pointcloud.PointCloud{}, &LoadError{Name: name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return pointcloud.PointCloud{}, err
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(name); ok {
			if c, ok := v.(pointcloud.PointCloud); ok {
				return c, nil
			}
		}
	}

	gen, epoch := s.generation(name)
	path := filepath.Join(s.dir, name)
	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pointcloud.PointCloud{}, &LoadError{Name: name, Err: ErrNotFound}
		}
		return pointcloud.PointCloud{}, &LoadError{Name: name, Err: err}
	}
	defer f.Close()

	c, err := pointcloud.Decode(name, f)
	if err != nil {
		return pointcloud.PointCloud{}, &LoadError{Name: name, Err: err}
	}

	s.storeIfCurrent(name, gen, epoch, c)
	monitoring.Logf("[clouds] loaded %s (%d points)", name, c.NumPts)
	return c, nil
}

// ListClouds lists the files in the directory with a decodable extension.
func (s *DirStore) ListClouds(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list clouds in %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !pointcloud.SupportedExtension(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *DirStore) generation(name string) (gen, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[name], s.epoch
}

// storeIfCurrent caches c unless name was invalidated since the load began.
func (s *DirStore) storeIfCurrent(name string, gen, epoch uint64, c pointcloud.PointCloud) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[name] != gen || s.epoch != epoch {
		return
	}
	s.cache.SetDefault(name, c)
}

// Invalidate drops name from the cache. Loads of name already in flight
// will not cache their result.
func (s *DirStore) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[name]++
	if s.cache != nil {
		s.cache.Delete(name)
	}
}

// InvalidateAll empties the cache.
func (s *DirStore) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	if s.cache != nil {
		s.cache.Flush()
	}
}

// Cached reports whether name currently has a cached cloud.
func (s *DirStore) Cached(name string) bool {
	if s.cache == nil {
		return false
	}
	_, ok := s.cache.Get(name)
	return ok
}

// validateName rejects anything that could escape the directory.
func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}
