// Package sweeper runs periodic housekeeping: purging dead sessions and
// compacting in-process tables that would otherwise grow without bound.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/shopfront/internal/app/metrics"
	"github.com/R3E-Network/shopfront/internal/app/system"
	"github.com/R3E-Network/shopfront/internal/logging"
)

// DefaultSchedule runs a sweep every ten minutes.
const DefaultSchedule = "@every 10m"

var _ system.Service = (*Sweeper)(nil)

// SessionPurger deletes sessions that expired or were revoked before the
// retention window.
type SessionPurger interface {
	PurgeSessions(ctx context.Context, retention time.Duration) (int, error)
}

// Compactor drops idle entries from an in-process table.
type Compactor interface {
	Compact() int
}

// CompactorFunc adapts a function to Compactor.
type CompactorFunc func() int

func (f CompactorFunc) Compact() int { return f() }

// Sweeper runs housekeeping on a cron schedule.
type Sweeper struct {
	purger     SessionPurger
	retention  time.Duration
	schedule   string
	compactors map[string]Compactor
	log        *logging.Logger
	timeout    time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Option customises a Sweeper.
type Option func(*Sweeper)

// WithSchedule sets the cron spec. Standard five-field specs and descriptors
// such as "@every 5m" are accepted.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithCompactor registers a table to compact on every run. kind labels the
// metric.
func WithCompactor(kind string, c Compactor) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.compactors[kind] = c
		}
	}
}

// New creates a sweeper. purger may be nil when only compaction is wanted.
func New(purger SessionPurger, retention time.Duration, log *logging.Logger, opts ...Option) *Sweeper {
	if log == nil {
		log = logging.NewDefault("sweeper")
	}
	s := &Sweeper{
		purger:     purger,
		retention:  retention,
		schedule:   DefaultSchedule,
		compactors: make(map[string]Compactor),
		log:        log,
		timeout:    time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) Name() string { return "sweeper" }

// Start schedules the job. An invalid schedule is reported here rather than
// at construction.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(context.WithoutCancel(ctx)) }); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.schedule, err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("sweeper started")
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("sweeper stopped")
	return nil
}

// Result summarises one sweep.
type Result struct {
	Sessions  int            `json:"sessions"`
	Compacted map[string]int `json:"compacted"`
}

// RunOnce performs a single sweep. Failures are logged; a partial result is
// still returned.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := Result{Compacted: make(map[string]int, len(s.compactors))}
	if s.purger != nil {
		n, err := s.purger.PurgeSessions(ctx, s.retention)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("session purge failed")
		} else {
			res.Sessions = n
			metrics.RecordSweep("sessions", n)
		}
	}
	for kind, c := range s.compactors {
		n := c.Compact()
		res.Compacted[kind] = n
		metrics.RecordSweep(kind, n)
	}

	fields := logrus.Fields{"sessions": res.Sessions}
	for kind, n := range res.Compacted {
		fields[kind] = n
	}
	s.log.WithContext(ctx).WithFields(fields).Debug("sweep complete")
	return res
}
