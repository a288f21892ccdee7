package daemon

import (
	"fmt"
	"sync"
)

type MemoryStorage struct {
	mu            sync.RWMutex
	outputs       map[string][]byte
	metas         map[string]*RunMeta
	maxOutputSize int
}

func NewMemoryStorage(maxOutputSize int) *MemoryStorage {
	return &MemoryStorage{
		outputs:       make(map[string][]byte),
		metas:         make(map[string]*RunMeta),
		maxOutputSize: maxOutputSize,
	}
}

func (s *MemoryStorage) Append(run string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.metas[run]
	if !exists {
		return fmt.Errorf("run %q not found", run)
	}

	s.outputs[run] = append(s.outputs[run], data...)

	if s.maxOutputSize > 0 && len(s.outputs[run]) > s.maxOutputSize {
		excess := len(s.outputs[run]) - s.maxOutputSize
		s.outputs[run] = s.outputs[run][excess:]
		meta.ReadPos = max(0, meta.ReadPos-int64(excess))
	}
	return nil
}

func (s *MemoryStorage) ReadFrom(run string, offset int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	output, exists := s.outputs[run]
	if !exists {
		return nil, fmt.Errorf("run %q not found", run)
	}
	if offset >= int64(len(output)) {
		return []byte{}, nil
	}
	return append([]byte{}, output[offset:]...), nil
}

func (s *MemoryStorage) ReadAll(run string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	output, exists := s.outputs[run]
	if !exists {
		return nil, fmt.Errorf("run %q not found", run)
	}
	return append([]byte{}, output...), nil
}

func (s *MemoryStorage) Size(run string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	output, exists := s.outputs[run]
	if !exists {
		return 0, fmt.Errorf("run %q not found", run)
	}
	return int64(len(output)), nil
}

func (s *MemoryStorage) Create(run string, meta *RunMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.metas[run]; exists {
		return fmt.Errorf("run %q already exists", run)
	}
	s.outputs[run] = []byte{}
	s.metas[run] = meta
	return nil
}

func (s *MemoryStorage) Delete(run string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.outputs, run)
	delete(s.metas, run)
	return nil
}

func (s *MemoryStorage) Exists(run string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.metas[run]
	return exists
}

func (s *MemoryStorage) LoadMeta(run string) (*RunMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.metas[run]
	if !exists {
		return nil, fmt.Errorf("run %q not found", run)
	}
	copied := *meta
	if meta.FinishedAt != nil {
		t := *meta.FinishedAt
		copied.FinishedAt = &t
	}
	return &copied, nil
}

func (s *MemoryStorage) SaveMeta(run string, meta *RunMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.metas[run]; !exists {
		return fmt.Errorf("run %q not found", run)
	}
	copied := *meta
	s.metas[run] = &copied
	return nil
}

func (s *MemoryStorage) UpdateMeta(run string, fn func(meta *RunMeta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.metas[run]
	if !exists {
		return fmt.Errorf("run %q not found", run)
	}
	fn(meta)
	return nil
}

func (s *MemoryStorage) ListRuns() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.metas))
	for name := range s.metas {
		runs = append(runs, name)
	}
	return runs, nil
}
