package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/refinery-data/refinery/internal/record"
)

// Source is a registered raw data source. Scan operators are the only
// consumers: they ask for the dataset's stats up front (cost estimation)
// and then iterate its records exactly once.
type Source interface {
	// Name returns the unique name the source was registered under.
	Name() string
	// Size returns the total payload size in bytes.
	Size() (int64, error)
	// RecordCount returns the number of raw records the source yields.
	RecordCount() (int, error)
	// Open returns a fresh iterator over the source's records.
	Open() (Iterator, error)
}

// Iterator walks a source's records. Usage follows the scanner pattern:
//
//	for it.Next() {
//		r := it.Record()
//	}
//	err := it.Err()
type Iterator interface {
	Next() bool
	Record() *record.Record
	Err() error
	Close() error
}

// FileSource yields a single TextFile record for one local file.
type FileSource struct {
	name string
	path string
}

var _ Source = (*FileSource)(nil)

func NewFileSource(name, path string) *FileSource {
	return &FileSource{name: name, path: path}
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", s.path, err)
	}
	return info.Size(), nil
}

func (s *FileSource) RecordCount() (int, error) { return 1, nil }

func (s *FileSource) Open() (Iterator, error) {
	return &fileIterator{paths: []string{s.path}}, nil
}

// DirectorySource yields one TextFile record per regular file in a local
// directory, in sorted filename order so repeated scans are deterministic.
type DirectorySource struct {
	name string
	path string
}

var _ Source = (*DirectorySource)(nil)

func NewDirectorySource(name, path string) *DirectorySource {
	return &DirectorySource{name: name, path: path}
}

func (s *DirectorySource) Name() string { return s.name }

func (s *DirectorySource) listFiles() ([]string, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", s.path, err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			paths = append(paths, filepath.Join(s.path, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *DirectorySource) Size() (int64, error) {
	paths, err := s.listFiles()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		total += info.Size()
	}
	return total, nil
}

func (s *DirectorySource) RecordCount() (int, error) {
	paths, err := s.listFiles()
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

func (s *DirectorySource) Open() (Iterator, error) {
	paths, err := s.listFiles()
	if err != nil {
		return nil, err
	}
	return &fileIterator{paths: paths}, nil
}

type fileIterator struct {
	paths []string
	pos   int
	cur   *record.Record
	err   error
}

func (it *fileIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.paths) {
		return false
	}
	path := it.paths[it.pos]
	it.pos++

	data, err := os.ReadFile(path)
	if err != nil {
		it.err = fmt.Errorf("read %s: %w", path, err)
		return false
	}
	r := record.New(record.TextFileSchema)
	if err := r.Set("filename", filepath.Base(path)); err != nil {
		it.err = err
		return false
	}
	if err := r.Set("contents", string(data)); err != nil {
		it.err = err
		return false
	}
	it.cur = r
	return true
}

func (it *fileIterator) Record() *record.Record { return it.cur }
func (it *fileIterator) Err() error             { return it.err }
func (it *fileIterator) Close() error           { return nil }

// MemorySource serves records from a slice. It is registered
// programmatically (never persisted) and exists for tests and demos.
type MemorySource struct {
	name    string
	records []*record.Record
	bytes   int64
}

var _ Source = (*MemorySource)(nil)

func NewMemorySource(name string, records []*record.Record) *MemorySource {
	var total int64
	for _, r := range records {
		total += int64(len(r.CanonicalJSON()))
	}
	return &MemorySource{name: name, records: records, bytes: total}
}

func (s *MemorySource) Name() string              { return s.name }
func (s *MemorySource) Size() (int64, error)      { return s.bytes, nil }
func (s *MemorySource) RecordCount() (int, error) { return len(s.records), nil }

func (s *MemorySource) Open() (Iterator, error) {
	return &sliceIterator{records: s.records}, nil
}

type sliceIterator struct {
	records []*record.Record
	pos     int
	cur     *record.Record
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.records) {
		return false
	}
	it.cur = it.records[it.pos]
	it.pos++
	return true
}

func (it *sliceIterator) Record() *record.Record { return it.cur }
func (it *sliceIterator) Err() error             { return nil }
func (it *sliceIterator) Close() error           { return nil }
