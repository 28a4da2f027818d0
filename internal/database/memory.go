package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wildlife-backend/internal/models"
)

// MemoryStore keeps records in process memory. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.AlertRecord
	seq     map[string]int // insertion order breaks CreatedAt ties
	next    int
	animals map[string]models.Animal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.AlertRecord),
		seq:     make(map[string]int),
		animals: make(map[string]models.Animal),
	}
}

func (m *MemoryStore) Init(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

func (m *MemoryStore) InsertAlert(ctx context.Context, rec *models.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("alert record %s already exists", rec.ID)
	}
	prepareInsert(rec)
	m.records[rec.ID] = rec.Clone()
	m.seq[rec.ID] = m.next
	m.next++
	return nil
}

func (m *MemoryStore) GetAlert(ctx context.Context, id string) (*models.AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) FindAlerts(ctx context.Context, filter AlertFilter) ([]models.AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AlertRecord
	var order []int
	for id, rec := range m.records {
		if filter.SensorID != "" && rec.SensorID != filter.SensorID {
			continue
		}
		if !filter.From.IsZero() && rec.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.Timestamp.After(filter.To) {
			continue
		}
		out = append(out, *rec.Clone())
		order = append(order, m.seq[id])
	}

	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		ra, rb := out[idx[a]], out[idx[b]]
		if !ra.CreatedAt.Equal(rb.CreatedAt) {
			return ra.CreatedAt.Before(rb.CreatedAt)
		}
		return order[idx[a]] < order[idx[b]]
	})

	sorted := make([]models.AlertRecord, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted, nil
}

func (m *MemoryStore) AttachAudio(ctx context.Context, id string, audio models.AudioSubRecord) error {
	return m.update(id, applyAudio(audio))
}

func (m *MemoryStore) AppendImage(ctx context.Context, id string, img models.Image) error {
	return m.update(id, applyImage(img))
}

func (m *MemoryStore) update(id string, mutate func(*models.AlertRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	next := rec.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	m.records[id] = next
	return nil
}

func (m *MemoryStore) UpsertAnimal(ctx context.Context, id string, loc models.AnimalLocation, at time.Time) (*models.Animal, *models.Animal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var before *models.Animal
	if prev, ok := m.animals[id]; ok {
		before = &prev
	}
	after := applyLocation(id, before, loc, at)
	m.animals[id] = *after
	return before, after, nil
}

func (m *MemoryStore) GetAnimal(ctx context.Context, id string) (*models.Animal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.animals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

// Len returns the number of stored records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
