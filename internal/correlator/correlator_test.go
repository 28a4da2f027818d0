package correlator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/database"
	"wildlife-backend/internal/models"
)

var base = time.Unix(1700000000, 0).UTC()

func seed(t *testing.T, recs ...models.AlertRecord) *database.MemoryStore {
	t.Helper()
	store := database.NewMemoryStore()
	for i := range recs {
		if err := store.InsertAlert(context.Background(), &recs[i]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return store
}

func TestResolvePicksClosest(t *testing.T) {
	store := seed(t,
		models.AlertRecord{ID: "far", SensorID: "S1", Timestamp: base.Add(-25 * time.Second), CreatedAt: base},
		models.AlertRecord{ID: "near", SensorID: "S1", Timestamp: base.Add(3 * time.Second), CreatedAt: base.Add(time.Second)},
		models.AlertRecord{ID: "other", SensorID: "S2", Timestamp: base, CreatedAt: base},
	)
	c := New(store, 30*time.Second, zap.NewNop())

	m, err := c.Resolve(context.Background(), "S1", base)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.RecordID != "near" || m.Distance != 3*time.Second || m.Ambiguous {
		t.Fatalf("match = %+v", m)
	}
}

func TestResolveTieGoesToEarliestCreated(t *testing.T) {
	store := seed(t,
		models.AlertRecord{ID: "late", SensorID: "S1", Timestamp: base.Add(5 * time.Second), CreatedAt: base.Add(2 * time.Second)},
		models.AlertRecord{ID: "early", SensorID: "S1", Timestamp: base.Add(-5 * time.Second), CreatedAt: base.Add(time.Second)},
	)
	c := New(store, 30*time.Second, zap.NewNop())

	m, err := c.Resolve(context.Background(), "S1", base)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.RecordID != "early" || !m.Ambiguous {
		t.Fatalf("match = %+v, want early and ambiguous", m)
	}
}

func TestChooseReportsAmbiguity(t *testing.T) {
	recs := []models.AlertRecord{
		{ID: "a", SensorID: "S1", Timestamp: base.Add(time.Second), CreatedAt: base.Add(time.Second)},
		{ID: "b", SensorID: "S1", Timestamp: base.Add(-time.Second), CreatedAt: base},
	}
	m, amb, ok := Choose(recs, "S1", base, 30*time.Second)
	if !ok || m.RecordID != "b" {
		t.Fatalf("match = %+v ok=%v", m, ok)
	}
	var target *CorrelationAmbiguousError
	if amb == nil || !errors.As(error(amb), &target) || len(target.Candidates) != 2 {
		t.Fatalf("ambiguity = %v", amb)
	}
}

func TestResolveNoMatch(t *testing.T) {
	store := seed(t,
		models.AlertRecord{ID: "old", SensorID: "S1", Timestamp: base.Add(-31 * time.Second)},
	)
	c := New(store, 30*time.Second, zap.NewNop())

	if _, err := c.Resolve(context.Background(), "S1", base); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v, want ErrNoMatch", err)
	}
	if _, err := c.Resolve(context.Background(), "S9", base); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("unknown sensor: err = %v", err)
	}
}

func TestResolveToleranceBoundaryInclusive(t *testing.T) {
	store := seed(t,
		models.AlertRecord{ID: "edge", SensorID: "S1", Timestamp: base.Add(30 * time.Second)},
	)
	c := New(store, 30*time.Second, zap.NewNop())
	m, err := c.Resolve(context.Background(), "S1", base)
	if err != nil || m.RecordID != "edge" {
		t.Fatalf("match = %+v err = %v", m, err)
	}
}
