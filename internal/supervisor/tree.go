// Package supervisor runs the long-lived services of the backend under suture.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	FailureDecay     float64 // seconds
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig matches suture's built-in defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree groups services into layers so a crashing transport does not take the
// reassembly core down with it:
//   - core: fragment dispatcher, session sweeper
//   - ingest: Kafka fragment source
//   - egress: event bus, ops HTTP server
type Tree struct {
	root   *suture.Supervisor
	core   *suture.Supervisor
	ingest *suture.Supervisor
	egress *suture.Supervisor
}

func NewTree(logger *zap.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	rootSpec := suture.Spec{
		EventHook:        EventHook(logger.Named("supervisor")),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:   suture.New("wildlife-backend", rootSpec),
		core:   suture.New("core", childSpec),
		ingest: suture.New("ingest", childSpec),
		egress: suture.New("egress", childSpec),
	}
	t.root.Add(t.core)
	t.root.Add(t.ingest)
	t.root.Add(t.egress)
	return t
}

func (t *Tree) AddCore(svc suture.Service) suture.ServiceToken   { return t.core.Add(svc) }
func (t *Tree) AddIngest(svc suture.Service) suture.ServiceToken { return t.ingest.Add(svc) }
func (t *Tree) AddEgress(svc suture.Service) suture.ServiceToken { return t.egress.Add(svc) }

// ServeBackground starts the tree. The channel yields its exit error.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// EventHook logs supervisor events through zap
func EventHook(logger *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := []zap.Field{zap.Any("event", e.Map())}
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate, suture.EventTypeStopTimeout:
			logger.Error(e.String(), fields...)
		case suture.EventTypeBackoff:
			logger.Warn(e.String(), fields...)
		default:
			logger.Info(e.String(), fields...)
		}
	}
}
