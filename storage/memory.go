package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opsretail/approval-flow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[uint64]types.ProcessDefinition
	instances   map[uint64]types.ProcessInstance
	tasks       map[uint64]types.Task
	copies      map[uint64]types.CopyRecord
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.ProcessDefinition),
		instances:   make(map[uint64]types.ProcessInstance),
		tasks:       make(map[uint64]types.Task),
		copies:      make(map[uint64]types.CopyRecord),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// putItem is a standalone generic helper function.
func putItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, item T) error {
	return withContextError(ctx, func() error {
		mu.Lock()
		defer mu.Unlock()
		m[id] = item
		return nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.ProcessDefinition) error {
	return putItem(ctx, &s.mu, s.definitions, def.ID, def)
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.ProcessDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// GetDefinitionByCode retrieves a definition by code and version; version 0
// resolves to the latest published version.
func (s *MemoryStorage) GetDefinitionByCode(ctx context.Context, code string, version int) (types.ProcessDefinition, error) {
	return withContext(ctx, func() (types.ProcessDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var found types.ProcessDefinition
		var ok bool
		for _, def := range s.definitions {
			if def.Code != code {
				continue
			}
			if version > 0 {
				if def.Version == version {
					return def, nil
				}
				continue
			}
			if def.Status == types.DefinitionPublished && def.Version > found.Version {
				found, ok = def, true
			}
		}
		if !ok {
			return types.ProcessDefinition{}, fmt.Errorf("%w: code=%s version=%d", ErrDefinitionNotFound, code, version)
		}
		return found, nil
	})
}

// LatestVersion returns the highest stored version for a code, 0 if none.
func (s *MemoryStorage) LatestVersion(ctx context.Context, code string) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		latest := 0
		for _, def := range s.definitions {
			if def.Code == code && def.Version > latest {
				latest = def.Version
			}
		}
		return latest, nil
	})
}

// SaveInstance saves a process instance to memory.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.ProcessInstance) error {
	return putItem(ctx, &s.mu, s.instances, inst.ID, inst)
}

// GetInstance retrieves a process instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.ProcessInstance, error) {
	return getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
}

// SaveTask saves a task to memory.
func (s *MemoryStorage) SaveTask(ctx context.Context, task types.Task) error {
	return putItem(ctx, &s.mu, s.tasks, task.ID, task)
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound)
}

// ListInstanceTasks returns every task of an instance, oldest first.
func (s *MemoryStorage) ListInstanceTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return s.listTasks(ctx, func(t types.Task) bool {
		return t.InstanceID == instanceID
	}, false)
}

// ListNodeTasks returns every task at one node of an instance, oldest first.
func (s *MemoryStorage) ListNodeTasks(ctx context.Context, instanceID uint64, nodeID string) ([]types.Task, error) {
	return s.listTasks(ctx, func(t types.Task) bool {
		return t.InstanceID == instanceID && t.NodeID == nodeID
	}, false)
}

// ListAssigneeTasks returns an assignee's tasks matching the filter, newest first.
func (s *MemoryStorage) ListAssigneeTasks(ctx context.Context, assigneeID string, filter TaskFilter) ([]types.Task, error) {
	tasks, err := s.listTasks(ctx, func(t types.Task) bool {
		if t.AssigneeID != assigneeID {
			return false
		}
		return matchesFilter(t, filter)
	}, true)
	if err != nil {
		return nil, err
	}
	return page(tasks, filter.Limit, filter.Offset), nil
}

// ListDueTasks returns pending tasks due before the given timestamp.
func (s *MemoryStorage) ListDueTasks(ctx context.Context, before int64) ([]types.Task, error) {
	return s.listTasks(ctx, func(t types.Task) bool {
		return t.Status == types.TaskPending && t.DueAt > 0 && t.DueAt < before
	}, false)
}

func (s *MemoryStorage) listTasks(ctx context.Context, keep func(types.Task) bool, newestFirst bool) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Task
		for _, t := range s.tasks {
			if keep(t) {
				out = append(out, t)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if newestFirst {
				if out[i].CreatedAt != out[j].CreatedAt {
					return out[i].CreatedAt > out[j].CreatedAt
				}
				return out[i].ID > out[j].ID
			}
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt < out[j].CreatedAt
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
}

func matchesFilter(t types.Task, filter TaskFilter) bool {
	if len(filter.Statuses) > 0 {
		ok := false
		for _, st := range filter.Statuses {
			if t.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if filter.DueBefore > 0 && (t.DueAt == 0 || t.DueAt >= filter.DueBefore) {
		return false
	}
	return true
}

// SaveCopyRecord saves a copy record to memory.
func (s *MemoryStorage) SaveCopyRecord(ctx context.Context, rec types.CopyRecord) error {
	return putItem(ctx, &s.mu, s.copies, rec.ID, rec)
}

// GetCopyRecord retrieves a copy record from memory.
func (s *MemoryStorage) GetCopyRecord(ctx context.Context, id uint64) (types.CopyRecord, error) {
	return getItem(ctx, &s.mu, s.copies, id, ErrCopyNotFound)
}

// ListObserverCopies returns an observer's copy records, newest first.
func (s *MemoryStorage) ListObserverCopies(ctx context.Context, observerID string, filter CopyFilter) ([]types.CopyRecord, error) {
	return withContext(ctx, func() ([]types.CopyRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.CopyRecord
		for _, rec := range s.copies {
			if rec.ObserverID != observerID {
				continue
			}
			if filter.UnreadOnly && rec.IsRead {
				continue
			}
			out = append(out, rec)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt > out[j].CreatedAt
			}
			return out[i].ID > out[j].ID
		})
		return page(out, filter.Limit, filter.Offset), nil
	})
}
