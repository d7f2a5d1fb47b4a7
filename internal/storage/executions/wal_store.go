// Package executions archives terminal executions in a write-ahead log so the
// realized trade history survives restarts.
package executions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/arbit/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	segmentLimit = 1000
	maxSegments  = 100

	executionKeyPrefix = "execution_"
)

// Record is one archived execution with its WAL position.
type Record struct {
	Index     uint64
	Execution domain.Execution
}

// WALStore persists terminal executions in a WAL.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed execution archive in dir.
func NewWALStore(dir string) (*WALStore, error) {
	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "exec_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init execution WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save archives a terminal execution.
func (s *WALStore) Save(execution domain.Execution) error {
	if s == nil || s.wal == nil {
		return errors.New("execution store is not initialized")
	}
	if !execution.State.Terminal() {
		return fmt.Errorf("execution %s is not terminal: %s", execution.ID, execution.State.String())
	}

	payload, err := json.Marshal(execution)
	if err != nil {
		return errors.Wrap(err, "marshal execution")
	}

	key := fmt.Sprintf("%s%s", executionKeyPrefix, execution.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// RecordsAfter returns all executions archived after the provided WAL index.
func (s *WALStore) RecordsAfter(index uint64) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("execution store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(key, executionKeyPrefix) {
			continue
		}

		var execution domain.Execution
		if err := json.Unmarshal(payload, &execution); err != nil {
			return nil, errors.Wrap(err, "decode execution record")
		}
		records = append(records, Record{Index: idx, Execution: execution})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("execution store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
