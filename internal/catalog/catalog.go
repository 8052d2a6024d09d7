package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMissingDataset is returned when a scan references a dataset name that
// was never registered. There is no safe continuation: the caller's plan
// cannot run.
var ErrMissingDataset = errors.New("dataset not registered")

const registryFile = "registry.json"

type entryKind string

const (
	kindFile entryKind = "file"
	kindDir  entryKind = "dir"
)

type registryEntry struct {
	Kind entryKind `json:"kind"`
	Path string    `json:"path"`
}

// Stats describes a registered dataset: how many records it yields and how
// many bytes they occupy. Scan cost estimation reads these numbers rather
// than guessing.
type Stats struct {
	Records int
	Bytes   int64
}

func (s Stats) String() string {
	return fmt.Sprintf("%d records, %s", s.Records, humanize.Bytes(uint64(s.Bytes)))
}

// Catalog is the registry of raw data sources. File and directory
// registrations persist to a JSON registry file under dir; memory sources
// live only as long as the process. Stats are computed on first use and
// cached, following the same compute-once pattern the rest of the system
// uses for dataset metadata.
type Catalog struct {
	dir    string
	logger log.Logger

	mu      sync.RWMutex
	entries map[string]registryEntry
	memory  map[string]*MemorySource
	stats   map[string]Stats
}

// Open loads (or creates) the registry persisted under dir. An empty dir
// yields a purely in-memory catalog that never persists.
func Open(dir string, logger log.Logger) (*Catalog, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Catalog{
		dir:     dir,
		logger:  logger,
		entries: make(map[string]registryEntry),
		memory:  make(map[string]*MemorySource),
		stats:   make(map[string]Stats),
	}
	if dir == "" {
		return c, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, registryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	level.Debug(logger).Log("msg", "catalog loaded", "datasets", len(c.entries))
	return c, nil
}

func (c *Catalog) persistLocked() error {
	if c.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, registryFile), data, 0o644)
}

// RegisterFile registers a single local file under name.
func (c *Catalog) RegisterFile(name, path string) error {
	return c.register(name, registryEntry{Kind: kindFile, Path: path})
}

// RegisterDir registers a local directory of files under name.
func (c *Catalog) RegisterDir(name, path string) error {
	return c.register(name, registryEntry{Kind: kindDir, Path: path})
}

func (c *Catalog) register(name string, e registryEntry) error {
	if name == "" {
		return fmt.Errorf("dataset name must not be empty")
	}
	if _, err := os.Stat(e.Path); err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = e
	delete(c.stats, name)
	if err := c.persistLocked(); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	level.Info(c.logger).Log("msg", "dataset registered", "name", name, "kind", e.Kind, "path", e.Path)
	return nil
}

// RegisterMemory registers an in-process source. It shadows any persisted
// entry of the same name and is never written to the registry file.
func (c *Catalog) RegisterMemory(src *MemorySource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[src.Name()] = src
	delete(c.stats, src.Name())
}

// Unregister removes a dataset by name.
func (c *Catalog) Unregister(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.memory[name]; ok {
		delete(c.memory, name)
		delete(c.stats, name)
		return nil
	}
	if _, ok := c.entries[name]; !ok {
		return fmt.Errorf("unregister %q: %w", name, ErrMissingDataset)
	}
	delete(c.entries, name)
	delete(c.stats, name)
	return c.persistLocked()
}

// Names lists the registered dataset names, memory sources included.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries)+len(c.memory))
	for name := range c.entries {
		names = append(names, name)
	}
	for name := range c.memory {
		if _, dup := c.entries[name]; !dup {
			names = append(names, name)
		}
	}
	return names
}

// Source resolves a dataset name. Memory sources take precedence over
// persisted entries of the same name.
func (c *Catalog) Source(name string) (Source, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if src, ok := c.memory[name]; ok {
		return src, nil
	}
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("dataset %q: %w", name, ErrMissingDataset)
	}
	switch e.Kind {
	case kindFile:
		return NewFileSource(name, e.Path), nil
	case kindDir:
		return NewDirectorySource(name, e.Path), nil
	default:
		return nil, fmt.Errorf("dataset %q: unknown kind %q", name, e.Kind)
	}
}

// Stats returns the dataset's record count and byte size, computing and
// caching them on first use.
func (c *Catalog) Stats(name string) (Stats, error) {
	c.mu.RLock()
	cached, ok := c.stats[name]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	src, err := c.Source(name)
	if err != nil {
		return Stats{}, err
	}
	records, err := src.RecordCount()
	if err != nil {
		return Stats{}, fmt.Errorf("count %q: %w", name, err)
	}
	bytes, err := src.Size()
	if err != nil {
		return Stats{}, fmt.Errorf("size %q: %w", name, err)
	}
	s := Stats{Records: records, Bytes: bytes}

	c.mu.Lock()
	c.stats[name] = s
	c.mu.Unlock()
	level.Debug(c.logger).Log("msg", "dataset stats computed", "name", name, "records", records, "bytes", bytes)
	return s, nil
}
