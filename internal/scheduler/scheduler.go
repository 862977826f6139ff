// Package scheduler drives the trading day: a cron-backed calendar in
// the exchange time zone fires the morning signal, the crash/pump
// polls, the risk poll, the end-of-day close, token renewal and the
// hourly heartbeat.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantro/swingbot/internal/broker"
	"github.com/quantro/swingbot/internal/clock"
	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/executor"
	"github.com/quantro/swingbot/internal/metrics"
	"github.com/quantro/swingbot/internal/signal"
	"github.com/quantro/swingbot/internal/store"
)

// How long Stop waits for in-flight jobs before giving up.
const drainTimeout = 30 * time.Second

// Scheduler owns the cron runner and the global pause flag
type Scheduler struct {
	cron   *cron.Cron
	cfg    *config.Config
	exec   *executor.Executor
	engine *signal.Engine
	broker broker.Gateway
	store  *store.Store
	clock  clock.Clock
	log    zerolog.Logger

	paused     atomic.Bool
	errorCount atomic.Int64

	baseCtx context.Context
}

// cronLogger adapts zerolog to the cron logging interface
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}

// New builds the scheduler with the full trigger calendar registered
func New(cfg *config.Config, exec *executor.Executor, engine *signal.Engine, bk broker.Gateway, st *store.Store, clk clock.Clock) (*Scheduler, error) {
	log := config.NewLogger("scheduler")

	s := &Scheduler{
		cfg:     cfg,
		exec:    exec,
		engine:  engine,
		broker:  bk,
		store:   st,
		clock:   clk,
		log:     log,
		baseCtx: context.Background(),
	}
	s.cron = cron.New(
		cron.WithLocation(clk.Location()),
		cron.WithLogger(cronLogger{log}),
	)

	if err := s.registerCalendar(); err != nil {
		return nil, err
	}
	return s, nil
}

// registerCalendar wires the weekday trigger table
func (s *Scheduler) registerCalendar() error {
	type entry struct {
		id    string
		grace time.Duration
		specs []string
		body  func(context.Context)
	}

	calendar := []entry{
		{"morning_signal", 300 * time.Second,
			[]string{"35 9 * * 1-5"}, s.runMorningSignal},
		{"crash_poll", 120 * time.Second,
			[]string{"45 9 * * 1-5", "0,15,30,45 10-11 * * 1-5"}, s.runCrashPoll},
		{"pump_poll", 120 * time.Second,
			[]string{"45 9 * * 1-5", "0,15,30,45 10-11 * * 1-5"}, s.runPumpPoll},
		{"risk_poll", 120 * time.Second,
			[]string{"*/5 10-14 * * 1-5", "0-50/5 15 * * 1-5"}, s.runRiskPoll},
		{"eod_close", 300 * time.Second,
			[]string{"55 15 * * 1-5"}, s.runEODClose},
		{"heartbeat", 600 * time.Second,
			[]string{"0 * * * *"}, s.runHeartbeat},
	}
	if s.cfg.Trading.Mode == config.ModeLive {
		calendar = append(calendar, entry{"token_renewal", 3600 * time.Second,
			[]string{"0 8 * * *"}, s.runTokenRenewal})
	}

	for _, e := range calendar {
		if err := s.add(e.id, e.grace, e.specs, e.body); err != nil {
			return fmt.Errorf("failed to register job %s: %w", e.id, err)
		}
	}
	return nil
}

// add registers one job, possibly under several cron expressions. The
// SkipIfStillRunning chain guarantees a job ID never runs concurrently
// with itself even when its expressions collide.
func (s *Scheduler) add(id string, grace time.Duration, specs []string, body func(context.Context)) error {
	j := &job{s: s, id: id, grace: grace, body: body, log: config.NewJobLogger(id)}

	chained := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.log})).Then(j)

	for _, spec := range specs {
		sched, err := cron.ParseStandard("CRON_TZ=" + clock.ExchangeTimeZone + " " + spec)
		if err != nil {
			return fmt.Errorf("bad cron spec %q: %w", spec, err)
		}
		j.schedules = append(j.schedules, sched)
		s.cron.Schedule(sched, chained)
	}
	return nil
}

// Run starts the cron loop and blocks until ctx is cancelled, then
// drains in-flight jobs up to drainTimeout
func (s *Scheduler) Run(ctx context.Context) error {
	s.baseCtx = ctx
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info().Msg("Scheduler drained")
	case <-time.After(drainTimeout):
		s.log.Warn().Msg("Scheduler drain timed out, abandoning in-flight jobs")
	}
	return nil
}

// Pause suspends all jobs. Fires during pause are dropped, not queued.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.log.Info().Msg("Scheduler paused")
}

// Resume re-enables job fires. Missed fires are not backfilled.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.log.Info().Msg("Scheduler resumed")
}

// Paused reports the global pause flag
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// job is one scheduled body with a misfire grace window
type job struct {
	s         *Scheduler
	id        string
	grace     time.Duration
	schedules []cron.Schedule
	body      func(context.Context)
	log       zerolog.Logger
}

// Run enforces pause, trading-day, misfire and panic policy around the body
func (j *job) Run() {
	now := j.s.clock.Now()

	if j.s.paused.Load() {
		j.log.Debug().Msg("Job dropped, scheduler paused")
		metrics.JobRuns.WithLabelValues(j.id, "dropped_paused").Inc()
		return
	}

	if j.id != "heartbeat" && j.id != "token_renewal" && !j.s.clock.IsTradingDay(now) {
		metrics.JobRuns.WithLabelValues(j.id, "skipped_holiday").Inc()
		return
	}

	if sched := j.lastScheduled(now); !sched.IsZero() && now.Sub(sched) > j.grace {
		late := now.Sub(sched)
		j.log.Warn().Dur("late", late).Msg("Job fired past grace window, dropping")
		j.s.store.LogEvent(j.s.baseCtx, store.LevelWarning, store.EventSchedulerMisfire, map[string]interface{}{
			"job":          j.id,
			"late_seconds": late.Seconds(),
		})
		metrics.JobMisfires.Inc()
		metrics.JobRuns.WithLabelValues(j.id, "misfire").Inc()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			j.s.errorCount.Add(1)
			j.log.Error().Interface("panic", r).Msg("Job panicked")
			metrics.JobRuns.WithLabelValues(j.id, "panic").Inc()
		}
	}()

	j.body(j.s.baseCtx)
	metrics.JobRuns.WithLabelValues(j.id, "ok").Inc()
}

// lastScheduled finds the most recent trigger at or before now across
// the job's expressions. Zero means nothing recent enough to judge, in
// which case the fire is treated as on time.
func (j *job) lastScheduled(now time.Time) time.Time {
	lookback := j.grace + time.Hour
	var last time.Time
	for _, sched := range j.schedules {
		t := now.Add(-lookback)
		for {
			next := sched.Next(t)
			if next.IsZero() || next.After(now) {
				break
			}
			if next.After(last) {
				last = next
			}
			t = next
		}
	}
	return last
}

// runMorningSignal executes whatever the engine says at the open,
// respecting the configured approval mode
func (s *Scheduler) runMorningSignal(ctx context.Context) {
	res := s.exec.ExecuteSignal(ctx, nil, false)
	s.logResult("morning_signal", res)
}

// runCrashPoll executes only crash-day signals, skipping approval:
// the window for a crash entry is too short for a human round-trip
func (s *Scheduler) runCrashPoll(ctx context.Context) {
	if s.engine.CrashDayTraded() {
		return
	}
	sig := s.engine.TodaySignal(ctx, s.exec.Holdings(), s.cfg.Strategy)
	if sig.Kind != signal.KindCrashDay || !sig.ShouldTrade() {
		return
	}
	res := s.exec.ExecuteSignal(ctx, sig, true)
	s.logResult("crash_poll", res)
}

// runPumpPoll is the symmetric pump-day poll
func (s *Scheduler) runPumpPoll(ctx context.Context) {
	if s.engine.PumpDayTraded() {
		return
	}
	sig := s.engine.TodaySignal(ctx, s.exec.Holdings(), s.cfg.Strategy)
	if sig.Kind != signal.KindPumpDay || !sig.ShouldTrade() {
		return
	}
	res := s.exec.ExecuteSignal(ctx, sig, true)
	s.logResult("pump_poll", res)
}

// runRiskPoll checks the trailing-hedge ladder and the loss-reversal
// flip on the same cadence
func (s *Scheduler) runRiskPoll(ctx context.Context) {
	if res := s.exec.CheckAndExecuteHedge(ctx); res != nil {
		s.logResult("risk_poll", res)
	}
	if res := s.exec.CheckAndExecuteReversal(ctx); res != nil {
		s.logResult("risk_poll", res)
	}
}

// runEODClose flattens every tracked position before the close
func (s *Scheduler) runEODClose(ctx context.Context) {
	for _, res := range s.exec.CloseAllPositions(ctx, "end of day close") {
		s.logResult("eod_close", res)
	}
}

// runTokenRenewal proactively renews the broker token before the session
func (s *Scheduler) runTokenRenewal(ctx context.Context) {
	if err := s.broker.RenewToken(ctx); err != nil {
		s.errorCount.Add(1)
		s.log.Error().Err(err).Msg("Scheduled token renewal failed")
	}
}

// runHeartbeat appends the hourly diagnostic event
func (s *Scheduler) runHeartbeat(ctx context.Context) {
	s.store.LogEvent(ctx, store.LevelInfo, store.EventSchedulerHeartbeat, map[string]interface{}{
		"paused":      s.paused.Load(),
		"error_count": s.errorCount.Load(),
		"mode":        string(s.cfg.Trading.Mode),
	})
}

func (s *Scheduler) logResult(jobID string, res *executor.TradeResult) {
	if res == nil {
		return
	}
	if res.Success {
		s.log.Info().
			Str("job", jobID).
			Str("action", string(res.Action)).
			Str("instrument", res.Instrument).
			Int64("shares", res.Shares).
			Msg("Job trade result")
		return
	}
	s.errorCount.Add(1)
	s.log.Warn().
		Str("job", jobID).
		Str("error", res.Error).
		Str("detail", res.Detail).
		Msg("Job trade failed")
}
