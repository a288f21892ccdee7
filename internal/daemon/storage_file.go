package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// FileStorage keeps run logs on disk so they survive a daemon restart.
// Logs longer than maxOutputSize lose their oldest bytes.
type FileStorage struct {
	dataDir       string
	maxOutputSize int
	mu            sync.RWMutex
}

func NewFileStorage(dataDir string, maxOutputSize int) (*FileStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStorage{dataDir: dataDir, maxOutputSize: maxOutputSize}, nil
}

func (s *FileStorage) outputPath(run string) string {
	return filepath.Join(s.dataDir, run+".log")
}

func (s *FileStorage) metaPath(run string) string {
	return filepath.Join(s.dataDir, run+".meta")
}

func (s *FileStorage) Append(run string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.outputPath(run), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if s.maxOutputSize > 0 && info.Size() > int64(s.maxOutputSize) {
		return s.trimLocked(run, info.Size()-int64(s.maxOutputSize))
	}
	return nil
}

// trimLocked drops the first excess bytes of a log and shifts the stored
// read position with them.
func (s *FileStorage) trimLocked(run string, excess int64) error {
	path := s.outputPath(run)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read output: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data[excess:], 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace output: %w", err)
	}

	meta, err := s.loadMetaLocked(run)
	if err != nil {
		return err
	}
	meta.ReadPos = max(0, meta.ReadPos-excess)
	return s.saveMetaLocked(run, meta)
}

func (s *FileStorage) ReadFrom(run string, offset int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.outputPath(run))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return data, nil
}

func (s *FileStorage) ReadAll(run string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.outputPath(run))
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("read output: %w", err)
	}
	return data, nil
}

func (s *FileStorage) Size(run string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(s.outputPath(run))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat output: %w", err)
	}
	return info.Size(), nil
}

func (s *FileStorage) Create(run string, meta *RunMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	outPath := s.outputPath(run)
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("run %q already exists", run)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	f.Close()

	return s.saveMetaLocked(run, meta)
}

func (s *FileStorage) Delete(run string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	os.Remove(s.outputPath(run))
	os.Remove(s.metaPath(run))
	return nil
}

func (s *FileStorage) Exists(run string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.metaPath(run))
	return err == nil
}

func (s *FileStorage) LoadMeta(run string) (*RunMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadMetaLocked(run)
}

func (s *FileStorage) loadMetaLocked(run string) (*RunMeta, error) {
	data, err := os.ReadFile(s.metaPath(run))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %q not found", run)
		}
		return nil, fmt.Errorf("read meta: %w", err)
	}

	var meta RunMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse meta: %w", err)
	}
	return &meta, nil
}

func (s *FileStorage) SaveMeta(run string, meta *RunMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveMetaLocked(run, meta)
}

func (s *FileStorage) UpdateMeta(run string, fn func(meta *RunMeta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetaLocked(run)
	if err != nil {
		return err
	}
	fn(meta)
	return s.saveMetaLocked(run, meta)
}

func (s *FileStorage) saveMetaLocked(run string, meta *RunMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	if err := os.WriteFile(s.metaPath(run), data, 0644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (s *FileStorage) ListRuns() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	var runs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".meta") {
			runs = append(runs, strings.TrimSuffix(name, ".meta"))
		}
	}
	return runs, nil
}
