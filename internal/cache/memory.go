package cache

import (
	"fmt"
	"sort"
	"sync"
)

type streamState int

const (
	streamClaimed streamState = iota
	streamSealed
)

type stream struct {
	state   streamState
	records [][]byte
}

// Memory is an in-process Store. It honors the full claim/seal protocol and
// is safe for concurrent use, but nothing survives the process.
type Memory struct {
	mu        sync.Mutex
	streams   map[string]*stream
	artifacts map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		streams:   map[string]*stream{},
		artifacts: map[string][]byte{},
	}
}

func (m *Memory) Claim(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.streams[key]; taken {
		return false, nil
	}
	m.streams[key] = &stream{state: streamClaimed}
	return true, nil
}

func (m *Memory) Append(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	if !ok {
		return fmt.Errorf("cache: append to unclaimed key %q", key)
	}
	if s.state == streamSealed {
		return fmt.Errorf("cache: append to sealed key %q", key)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.records = append(s.records, buf)
	return nil
}

func (m *Memory) Seal(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	if !ok {
		return fmt.Errorf("cache: seal of unclaimed key %q", key)
	}
	s.state = streamSealed
	return nil
}

func (m *Memory) ReadSealed(key string) ([][]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	if !ok || s.state != streamSealed {
		return nil, false, nil
	}
	out := make([][]byte, len(s.records))
	copy(out, s.records)
	return out, true, nil
}

func (m *Memory) HasSealed(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[key]
	return ok && s.state == streamSealed, nil
}

func (m *Memory) Streams() ([]StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]StreamInfo, 0, len(m.streams))
	for key, s := range m.streams {
		info := StreamInfo{Key: key, Sealed: s.state == streamSealed, Records: len(s.records)}
		for _, r := range s.records {
			info.Bytes += int64(len(r))
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *Memory) Get(namespace, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.artifacts[namespace+"\x00"+id]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Put(namespace, id string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	m.artifacts[namespace+"\x00"+id] = buf
	return nil
}

func (m *Memory) Close() error { return nil }
