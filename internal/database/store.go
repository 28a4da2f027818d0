package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/models"
)

var ErrNotFound = errors.New("record not found")

// AlertFilter selects alert records of one sensor inside an event time window.
// Zero From/To leave that side of the window open.
type AlertFilter struct {
	SensorID string
	From     time.Time
	To       time.Time
}

// Store is the durable document store for alert records and tracked animals
type Store interface {
	Init(ctx context.Context) error
	Close() error

	InsertAlert(ctx context.Context, rec *models.AlertRecord) error
	GetAlert(ctx context.Context, id string) (*models.AlertRecord, error)
	// FindAlerts returns matches ordered by creation time, oldest first.
	FindAlerts(ctx context.Context, filter AlertFilter) ([]models.AlertRecord, error)

	AttachAudio(ctx context.Context, id string, audio models.AudioSubRecord) error
	AppendImage(ctx context.Context, id string, img models.Image) error

	// UpsertAnimal folds a location fix into the animal record, creating it on
	// first sight. before is nil for a new animal.
	UpsertAnimal(ctx context.Context, id string, loc models.AnimalLocation, at time.Time) (before, after *models.Animal, err error)
	GetAnimal(ctx context.Context, id string) (*models.Animal, error)
}

// Options selects and configures a Store engine
type Options struct {
	Driver string // memory, sqlite, postgres, clickhouse
	DSN    string

	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string
}

// Open creates the configured Store and initializes its schema
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch strings.ToLower(opts.Driver) {
	case "memory":
		store = NewMemoryStore()
	case "sqlite":
		store, err = NewSQLite(opts.DSN)
	case "postgres":
		store, err = NewPostgres(opts.DSN)
	case "clickhouse":
		store, err = NewClickHouseDB(opts.ClickHouseAddr, opts.ClickHouseDB, opts.ClickHouseUser, opts.ClickHousePass, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize %s schema: %w", opts.Driver, err)
	}

	logger.Info("record store ready", zap.String("driver", opts.Driver))
	return store, nil
}

// prepareInsert fills bookkeeping timestamps before a record is written
func prepareInsert(rec *models.AlertRecord) {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
}

func applyAudio(audio models.AudioSubRecord) func(*models.AlertRecord) error {
	return func(rec *models.AlertRecord) error {
		return rec.AttachAudio(audio)
	}
}

func applyImage(img models.Image) func(*models.AlertRecord) error {
	return func(rec *models.AlertRecord) error {
		rec.Video.AddImage(img)
		return nil
	}
}

// applyLocation returns the updated copy of prev, or a new record when prev is nil
func applyLocation(id string, prev *models.Animal, loc models.AnimalLocation, at time.Time) *models.Animal {
	next := &models.Animal{ID: id}
	if prev != nil {
		*next = *prev
	}
	next.ApplyLocation(&loc, at.UTC(), prev == nil)
	return next
}
