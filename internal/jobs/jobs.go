package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"pagina-vendedor/backend/internal/cache"
	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/metrics"
)

const (
	// QueueDefault is the only queue the worker consumes.
	QueueDefault = "default"
	// TaskReservationSweep expires lapsed stock reservations.
	TaskReservationSweep = "reservations:sweep"
	// TaskLedgerAudit recomputes balances and stock from history.
	TaskLedgerAudit = "ledger:audit"

	defaultLeaseTTL = 2 * time.Minute
)

// Ledger is the slice of the service the background jobs drive.
type Ledger interface {
	SweepReservations(ctx context.Context) (domain.SweepResult, error)
	CheckInvariants(ctx context.Context) (domain.InvariantReport, error)
}

// Runner executes the periodic jobs. Every run takes a cluster-wide lease
// first, so several instances may schedule the same job and only one works.
type Runner struct {
	ledger   Ledger
	locker   cache.Locker
	metrics  *metrics.Metrics
	log      *logrus.Entry
	leaseTTL time.Duration
}

type RunnerConfig struct {
	Ledger   Ledger
	Locker   cache.Locker
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
	LeaseTTL time.Duration
}

func NewRunner(cfg RunnerConfig) *Runner {
	locker := cfg.Locker
	if locker == nil {
		locker = cache.NoopLocker{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	return &Runner{
		ledger:   cfg.Ledger,
		locker:   locker,
		metrics:  cfg.Metrics,
		log:      logger.WithField("component", "jobs"),
		leaseTTL: leaseTTL,
	}
}

// Sweep runs one reservation expiry pass.
func (r *Runner) Sweep(ctx context.Context) error {
	return r.run(ctx, TaskReservationSweep, func(ctx context.Context) error {
		_, err := r.ledger.SweepReservations(ctx)
		return err
	})
}

// Audit runs one invariant check. Mismatches are reported by the ledger
// itself; only a failed read counts as a job failure.
func (r *Runner) Audit(ctx context.Context) error {
	return r.run(ctx, TaskLedgerAudit, func(ctx context.Context) error {
		report, err := r.ledger.CheckInvariants(ctx)
		if err != nil {
			return err
		}
		if !report.OK {
			r.log.WithFields(logrus.Fields{
				"accounts":  len(report.Accounts),
				"products":  len(report.Products),
				"reversals": len(report.UncompensatedReverse),
			}).Warn("ledger audit found mismatches")
		}
		return nil
	})
}

func (r *Runner) run(ctx context.Context, job string, fn func(context.Context) error) error {
	release, ok, err := r.locker.TryLock(ctx, job, r.leaseTTL)
	if err != nil {
		r.log.WithError(err).WithField("job", job).Warn("job lease unavailable")
		return fmt.Errorf("%s: lease: %w", job, err)
	}
	if !ok {
		r.log.WithField("job", job).Debug("job already running elsewhere")
		return nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.log.WithError(err).WithField("job", job).Warn("job lease release failed")
		}
	}()

	start := time.Now()
	err = r.metrics.TrackJob(job, start, fn(ctx))
	if err != nil {
		r.log.WithError(err).WithField("job", job).Error("job failed")
	}
	return err
}

func (r *Runner) HandleSweepTask(ctx context.Context, _ *asynq.Task) error {
	return r.Sweep(ctx)
}

func (r *Runner) HandleAuditTask(ctx context.Context, _ *asynq.Task) error {
	return r.Audit(ctx)
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// Schedule returns the cron entries for the periodic jobs. The sweep runs on
// a fixed interval and the audit on a cron expression.
func Schedule(sweepInterval time.Duration, auditCron string) []CronRegistration {
	var entries []CronRegistration
	if sweepInterval > 0 {
		entries = append(entries, CronRegistration{
			Spec:    "@every " + sweepInterval.String(),
			Task:    asynq.NewTask(TaskReservationSweep, nil),
			Options: []asynq.Option{asynq.MaxRetry(0), asynq.Unique(sweepInterval)},
		})
	}
	if strings.TrimSpace(auditCron) != "" {
		entries = append(entries, CronRegistration{
			Spec:    auditCron,
			Task:    asynq.NewTask(TaskLedgerAudit, nil),
			Options: []asynq.Option{asynq.MaxRetry(1), asynq.Unique(time.Minute)},
		})
	}
	return entries
}

// Worker wraps the asynq server and its scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	log       *logrus.Entry
}

type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *logrus.Logger
	Runner      *Runner
	Cron        []CronRegistration
	Concurrency int
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Runner == nil {
		return nil, errors.New("jobs: runner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithField("component", "asynq")
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueDefault: 1},
		Logger:      entry,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskReservationSweep, cfg.Runner.HandleSweepTask)
	mux.HandleFunc(TaskLedgerAudit, cfg.Runner.HandleAuditTask)

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC, Logger: entry})
		for _, e := range cfg.Cron {
			if e.Spec == "" || e.Task == nil {
				continue
			}
			if _, err := scheduler.Register(e.Spec, e.Task, e.Options...); err != nil {
				return nil, fmt.Errorf("jobs: register %s %q: %w", e.Task.Type(), e.Spec, err)
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, log: entry}, nil
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("jobs: worker not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	if err := w.server.Start(w.mux); err != nil {
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
	w.log.Info("worker started")

	<-ctx.Done()
	if w.scheduler != nil {
		w.scheduler.Shutdown()
	}
	w.server.Shutdown()
	w.log.Info("worker stopped")
	return nil
}

// RunTickers drives the same jobs in-process. It is the single-instance mode
// used when no Redis is configured. The audit follows auditCron exactly as the
// asynq scheduler would.
func (r *Runner) RunTickers(ctx context.Context, sweepInterval time.Duration, auditCron string) error {
	if sweepInterval <= 0 {
		return errors.New("jobs: sweep interval must be positive")
	}
	schedule, err := ParseSchedule(auditCron)
	if err != nil {
		return err
	}

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	next := schedule.Next(time.Now())
	audit := time.NewTimer(time.Until(next))
	defer audit.Stop()

	r.log.WithFields(logrus.Fields{
		"sweep_interval": sweepInterval.String(),
		"audit_cron":     auditCron,
		"next_audit":     next.Format(time.RFC3339),
	}).Info("in-process job tickers started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			_ = r.Sweep(ctx)
		case <-audit.C:
			_ = r.Audit(ctx)
			audit.Reset(time.Until(schedule.Next(time.Now())))
		}
	}
}

// ParseSchedule parses a standard five-field cron expression or a descriptor
// such as @hourly or "@every 5m". An empty spec means hourly.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "@hourly"
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("jobs: invalid cron spec %q: %w", spec, err)
	}
	return schedule, nil
}
