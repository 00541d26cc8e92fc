package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"authgate/internal/config"
	"authgate/internal/models"
	"authgate/internal/storage"
)

const jobTimeout = 2 * time.Minute

type SessionSweeper interface {
	ClearExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type EventSource interface {
	CountRecentFailures(ctx context.Context, since time.Time) (int64, error)
	EventsBetween(ctx context.Context, from, to time.Time) ([]models.AuditEvent, error)
}

type ArchiveStore interface {
	PutArchive(ctx context.Context, key string, body []byte) error
}

type Deps struct {
	Sessions SessionSweeper
	Events   EventSource
	// Archive is optional; without it the archive job is not scheduled.
	Archive ArchiveStore
	Now     func() time.Time
}

type Scheduler struct {
	cron     *cron.Cron
	cfg      config.JobsConfig
	sessions SessionSweeper
	events   EventSource
	archive  ArchiveStore
	now      func() time.Time
	log      zerolog.Logger
}

func NewScheduler(cfg config.JobsConfig, deps Deps, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "jobs").Logger()
	clog := cronLogger{log: log}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		cfg:      cfg,
		sessions: deps.Sessions,
		events:   deps.Events,
		archive:  deps.Archive,
		now:      now,
		log:      log,
	}
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

func (s *Scheduler) Start() error {
	jobs := []job{
		{name: "session-sweep", spec: s.cfg.SessionSweep, run: s.SweepSessions},
		{name: "failure-monitor", spec: s.cfg.FailureMonitor, run: s.CheckFailures},
	}
	if s.archive != nil {
		jobs = append(jobs, job{name: "audit-archive", spec: s.cfg.AuditArchive, run: s.ArchivePreviousDay})
	} else {
		s.log.Info().Msg("object storage not configured, audit archive disabled")
	}

	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j.name, j.run)); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
		s.log.Info().Str("job", j.name).Str("spec", j.spec).Msg("job scheduled")
	}

	s.cron.Start()
	return nil
}

// Stop prevents new runs; the returned context is done once running jobs
// have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		if err := run(ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("job failed")
			return
		}
		s.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
	}
}

func (s *Scheduler) SweepSessions(ctx context.Context) error {
	cleared, err := s.sessions.ClearExpiredSessions(ctx, s.now())
	if err != nil {
		return err
	}
	if cleared > 0 {
		s.log.Info().Int64("cleared", cleared).Msg("expired sessions cleared")
	}
	return nil
}

// CheckFailures warns when failed logins over the last hour cross the
// configured threshold.
func (s *Scheduler) CheckFailures(ctx context.Context) error {
	count, err := s.events.CountRecentFailures(ctx, s.now().Add(-time.Hour))
	if err != nil {
		return err
	}
	if s.cfg.FailureAlertThreshold > 0 && count >= s.cfg.FailureAlertThreshold {
		s.log.Warn().
			Int64("failures", count).
			Int64("threshold", s.cfg.FailureAlertThreshold).
			Msg("failed login volume above threshold")
	}
	return nil
}

func (s *Scheduler) ArchivePreviousDay(ctx context.Context) error {
	return s.ArchiveDay(ctx, s.now().UTC().AddDate(0, 0, -1))
}

// ArchiveDay exports every event of day's UTC calendar date as JSON lines.
// Empty days are skipped.
func (s *Scheduler) ArchiveDay(ctx context.Context, day time.Time) error {
	if s.archive == nil {
		return nil
	}

	from := day.UTC().Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)

	events, err := s.events.EventsBetween(ctx, from, to)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		s.log.Debug().Time("day", from).Msg("no events to archive")
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("encode event %s: %w", event.ID, err)
		}
	}

	key := storage.ArchiveKey(from)
	if err := s.archive.PutArchive(ctx, key, buf.Bytes()); err != nil {
		return err
	}

	s.log.Info().Str("key", key).Int("events", len(events)).Msg("audit archive written")
	return nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
