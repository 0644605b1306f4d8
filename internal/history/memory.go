package history

import (
	"context"
	"sort"
	"sync"

	"github.com/msageha/testgate/internal/model"
)

const defaultMemoryLimit = 1000

// MemoryStore keeps the most recent records in memory, evicting the oldest
// finished record once limit is reached.
type MemoryStore struct {
	mu    sync.RWMutex
	limit int
	seq   uint64
	byRun map[string]*entry
}

type entry struct {
	rec Record
	seq uint64
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return &MemoryStore{limit: limit, byRun: make(map[string]*entry)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byRun[rec.RunID]; ok {
		if !model.Before(rec.Status, e.rec.Status) {
			e.rec = rec
		}
		return nil
	}
	s.seq++
	s.byRun[rec.RunID] = &entry{rec: rec, seq: s.seq}
	if len(s.byRun) > s.limit {
		s.evictOldestLocked()
	}
	return nil
}

// evictOldestLocked drops the oldest finished record, falling back to the
// oldest record when every one is still active.
func (s *MemoryStore) evictOldestLocked() {
	var oldest, oldestActive string
	var minSeq, minActiveSeq uint64
	for id, e := range s.byRun {
		if model.IsActive(e.rec.Status) {
			if oldestActive == "" || e.seq < minActiveSeq {
				oldestActive, minActiveSeq = id, e.seq
			}
			continue
		}
		if oldest == "" || e.seq < minSeq {
			oldest, minSeq = id, e.seq
		}
	}
	if oldest == "" {
		oldest = oldestActive
	}
	delete(s.byRun, oldest)
}

func (s *MemoryStore) Get(_ context.Context, runID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byRun[runID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

func (s *MemoryStore) ListByTask(_ context.Context, taskID string) ([]Record, error) {
	return s.collect(func(r Record) bool { return r.TaskID == taskID }, 0), nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	return s.collect(func(Record) bool { return true }, limit), nil
}

func (s *MemoryStore) collect(keep func(Record) bool, limit int) []Record {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.byRun))
	for _, e := range s.byRun {
		if keep(e.rec) {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }
