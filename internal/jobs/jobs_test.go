package jobs

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"pagina-vendedor/backend/internal/cache"
	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/logging"
	"pagina-vendedor/backend/internal/metrics"
	"pagina-vendedor/backend/internal/service"
	"pagina-vendedor/backend/internal/store/memory"
)

type fakeLedger struct {
	mu       sync.Mutex
	sweeps   int
	audits   int
	sweepErr error
	report   domain.InvariantReport
}

func (f *fakeLedger) SweepReservations(context.Context) (domain.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return domain.SweepResult{}, f.sweepErr
}

func (f *fakeLedger) CheckInvariants(context.Context) (domain.InvariantReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits++
	return f.report, nil
}

func (f *fakeLedger) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps, f.audits
}

type busyLocker struct{}

func (busyLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return nil, false, nil
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestRunnerTracksRuns(t *testing.T) {
	ledger := &fakeLedger{report: domain.InvariantReport{OK: true}}
	m := metrics.New()
	runner := NewRunner(RunnerConfig{Ledger: ledger, Metrics: m, Logger: logging.Discard()})

	require.NoError(t, runner.HandleSweepTask(context.Background(), asynq.NewTask(TaskReservationSweep, nil)))
	require.NoError(t, runner.HandleAuditTask(context.Background(), asynq.NewTask(TaskLedgerAudit, nil)))

	ledger.sweepErr = errors.New("database gone")
	require.Error(t, runner.Sweep(context.Background()))

	sweeps, audits := ledger.counts()
	require.Equal(t, 2, sweeps)
	require.Equal(t, 1, audits)

	body := scrape(t, m)
	require.Contains(t, body, `pagina_job_runs_total{job="reservations:sweep",status="success"} 1`)
	require.Contains(t, body, `pagina_job_runs_total{job="reservations:sweep",status="failure"} 1`)
	require.Contains(t, body, `pagina_job_runs_total{job="ledger:audit",status="success"} 1`)
}

func TestRunnerSkipsWhenLeaseHeld(t *testing.T) {
	ledger := &fakeLedger{}
	runner := NewRunner(RunnerConfig{Ledger: ledger, Locker: busyLocker{}, Logger: logging.Discard()})

	require.NoError(t, runner.Sweep(context.Background()))
	require.NoError(t, runner.Audit(context.Background()))
	sweeps, audits := ledger.counts()
	require.Zero(t, sweeps)
	require.Zero(t, audits)
}

func TestRunnerRedisLeaseIsExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	locker := cache.NewRedisLocker(client)

	ctx := context.Background()
	release, ok, err := locker.TryLock(ctx, TaskReservationSweep, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ledger := &fakeLedger{}
	runner := NewRunner(RunnerConfig{Ledger: ledger, Locker: locker, Logger: logging.Discard()})
	require.NoError(t, runner.Sweep(ctx))
	sweeps, _ := ledger.counts()
	require.Zero(t, sweeps)

	require.NoError(t, release(ctx))
	require.NoError(t, runner.Sweep(ctx))
	sweeps, _ = ledger.counts()
	require.Equal(t, 1, sweeps)

	// the runner hands its lease back after each run
	require.NoError(t, runner.Sweep(ctx))
	sweeps, _ = ledger.counts()
	require.Equal(t, 2, sweeps)
}

func TestRunnerDrivesTheLedger(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	svc := service.New(memory.NewSeeded(), service.Options{
		Logger:         logging.Discard(),
		ReservationTTL: time.Minute,
		Now:            clock,
	})
	ctx := context.Background()
	held, err := svc.Reserve(ctx, domain.ReservationRequest{ProductID: "prod-funda", Quantity: 2, SessionID: "job"})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()

	runner := NewRunner(RunnerConfig{Ledger: svc, Logger: logging.Discard()})
	require.NoError(t, runner.Sweep(ctx))
	require.NoError(t, runner.Audit(ctx))

	got, err := svc.GetReservation(ctx, held.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationExpired, got.Status)
}

func TestRunTickersStopsWithContext(t *testing.T) {
	ledger := &fakeLedger{report: domain.InvariantReport{OK: true}}
	runner := NewRunner(RunnerConfig{Ledger: ledger, Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.RunTickers(ctx, 10*time.Millisecond, "@every 1s") }()

	require.Eventually(t, func() bool {
		sweeps, audits := ledger.counts()
		return sweeps >= 2 && audits >= 1
	}, 4*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tickers did not stop")
	}

	require.Error(t, runner.RunTickers(context.Background(), 0, "@hourly"))
	require.Error(t, runner.RunTickers(context.Background(), time.Second, "not a cron"))
}

func TestParseSchedule(t *testing.T) {
	from := time.Date(2026, 3, 10, 14, 20, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"":            time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
		"@hourly":     time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
		"@daily":      time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
		" @every 2h ": from.Add(2 * time.Hour),
		"0 3 * * *":   time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
		"30 14 * * *": time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}
	for spec, want := range cases {
		schedule, err := ParseSchedule(spec)
		require.NoError(t, err, spec)
		require.Equal(t, want, schedule.Next(from), spec)
	}

	for _, spec := range []string{"@every nope", "not a cron", "61 * * * *"} {
		_, err := ParseSchedule(spec)
		require.Error(t, err, spec)
	}
}

func TestScheduleEntries(t *testing.T) {
	entries := Schedule(time.Minute, "@hourly")
	require.Len(t, entries, 2)
	require.Equal(t, "@every 1m0s", entries[0].Spec)
	require.Equal(t, TaskReservationSweep, entries[0].Task.Type())
	require.Equal(t, "@hourly", entries[1].Spec)
	require.Equal(t, TaskLedgerAudit, entries[1].Task.Type())

	require.Len(t, Schedule(0, ""), 0)
}

func TestNewWorkerRegistersSchedule(t *testing.T) {
	mr := miniredis.RunT(t)
	runner := NewRunner(RunnerConfig{Ledger: &fakeLedger{}, Logger: logging.Discard()})

	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Logger:    logging.Discard(),
		Runner:    runner,
		Cron:      Schedule(time.Minute, "@hourly"),
	})
	require.NoError(t, err)
	require.NotNil(t, w.scheduler)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Runner:    runner,
		Cron:      Schedule(0, "not a cron"),
	})
	require.Error(t, err)

	_, err = NewWorker(WorkerConfig{RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()}})
	require.Error(t, err)
}
