package database

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"wildlife-backend/internal/models"
)

// BreakerConfig configures the circuit breaker in front of a Store
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	OnStateChange    func(from, to gobreaker.State)
}

// BreakerStore fails fast while the underlying store keeps failing.
type BreakerStore struct {
	Store
	cb *gobreaker.CircuitBreaker[any]
}

func NewBreakerStore(inner Store, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// A missing record or a rejected payload says nothing about store health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, models.ErrEmptyAudio)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("record store breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from, to)
			}
		},
	}
	return &BreakerStore{Store: inner, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the breaker state for health reporting
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) InsertAlert(ctx context.Context, rec *models.AlertRecord) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.Store.InsertAlert(ctx, rec)
	})
	return err
}

func (b *BreakerStore) GetAlert(ctx context.Context, id string) (*models.AlertRecord, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.Store.GetAlert(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return out.(*models.AlertRecord), nil
}

func (b *BreakerStore) FindAlerts(ctx context.Context, filter AlertFilter) ([]models.AlertRecord, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.Store.FindAlerts(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	return out.([]models.AlertRecord), nil
}

func (b *BreakerStore) AttachAudio(ctx context.Context, id string, audio models.AudioSubRecord) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.Store.AttachAudio(ctx, id, audio)
	})
	return err
}

func (b *BreakerStore) AppendImage(ctx context.Context, id string, img models.Image) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.Store.AppendImage(ctx, id, img)
	})
	return err
}

func (b *BreakerStore) UpsertAnimal(ctx context.Context, id string, loc models.AnimalLocation, at time.Time) (*models.Animal, *models.Animal, error) {
	var before *models.Animal
	out, err := b.cb.Execute(func() (any, error) {
		prev, next, err := b.Store.UpsertAnimal(ctx, id, loc, at)
		before = prev
		return next, err
	})
	if err != nil {
		return nil, nil, err
	}
	return before, out.(*models.Animal), nil
}

func (b *BreakerStore) GetAnimal(ctx context.Context, id string) (*models.Animal, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.Store.GetAnimal(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return out.(*models.Animal), nil
}
