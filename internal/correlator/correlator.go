// Package correlator links media that arrived without an explicit owner to
// the alert record whose event timestamp is nearest.
//
// Nearest-timestamp matching is a heuristic: two alerts from one sensor inside
// the tolerance window can steal each other's media. Callers prefer an
// explicit binding whenever one is known.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/database"
	"wildlife-backend/internal/models"
)

var ErrNoMatch = errors.New("no alert record within correlation tolerance")

// CorrelationAmbiguousError describes a tie between equally close records.
// It is logged as a warning; the earliest created record still wins.
type CorrelationAmbiguousError struct {
	SensorID   string
	At         time.Time
	Distance   time.Duration
	Candidates []string
	Chosen     string
}

func (e *CorrelationAmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous correlation for %s at %s: %d records at %s (%s), chose %s",
		e.SensorID, e.At.Format(time.RFC3339Nano), len(e.Candidates), e.Distance,
		strings.Join(e.Candidates, ","), e.Chosen)
}

// Finder is the read side of the record store used for correlation
type Finder interface {
	FindAlerts(ctx context.Context, filter database.AlertFilter) ([]models.AlertRecord, error)
}

// Match is the outcome of a successful correlation
type Match struct {
	RecordID  string
	Distance  time.Duration
	Ambiguous bool
}

type Correlator struct {
	finder    Finder
	tolerance time.Duration
	logger    *zap.Logger
}

func New(finder Finder, tolerance time.Duration, logger *zap.Logger) *Correlator {
	if tolerance <= 0 {
		tolerance = 30 * time.Second
	}
	return &Correlator{finder: finder, tolerance: tolerance, logger: logger.Named("correlator")}
}

// Tolerance returns the matching window half-width
func (c *Correlator) Tolerance() time.Duration { return c.tolerance }

// Resolve finds the record of sensorID whose timestamp is closest to ts within the tolerance.
func (c *Correlator) Resolve(ctx context.Context, sensorID string, ts time.Time) (Match, error) {
	records, err := c.finder.FindAlerts(ctx, database.AlertFilter{
		SensorID: sensorID,
		From:     ts.Add(-c.tolerance),
		To:       ts.Add(c.tolerance),
	})
	if err != nil {
		return Match{}, fmt.Errorf("find correlation candidates: %w", err)
	}

	match, ambiguity, ok := Choose(records, sensorID, ts, c.tolerance)
	if !ok {
		return Match{}, ErrNoMatch
	}
	if ambiguity != nil {
		c.logger.Warn("correlation ambiguous, earliest record wins",
			zap.String("sensor_id", sensorID),
			zap.Strings("candidates", ambiguity.Candidates),
			zap.String("chosen", ambiguity.Chosen),
			zap.Error(ambiguity))
	}
	return match, nil
}

// Choose picks the closest record among candidates. On equal distance the
// earliest created record wins and the tie is reported.
func Choose(records []models.AlertRecord, sensorID string, ts time.Time, tolerance time.Duration) (Match, *CorrelationAmbiguousError, bool) {
	var (
		best      *models.AlertRecord
		bestDist  time.Duration
		tiedIDs   []string
		haveMatch bool
	)

	for i := range records {
		rec := &records[i]
		if rec.SensorID != sensorID {
			continue
		}
		d := absDuration(rec.Timestamp.Sub(ts))
		if d > tolerance {
			continue
		}

		switch {
		case !haveMatch || d < bestDist:
			best, bestDist, haveMatch = rec, d, true
			tiedIDs = []string{rec.ID}
		case d == bestDist:
			tiedIDs = append(tiedIDs, rec.ID)
			if rec.CreatedAt.Before(best.CreatedAt) {
				best = rec
			}
		}
	}

	if !haveMatch {
		return Match{}, nil, false
	}

	match := Match{RecordID: best.ID, Distance: bestDist}
	if len(tiedIDs) > 1 {
		match.Ambiguous = true
		return match, &CorrelationAmbiguousError{
			SensorID:   sensorID,
			At:         ts,
			Distance:   bestDist,
			Candidates: tiedIDs,
			Chosen:     best.ID,
		}, true
	}
	return match, nil, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
