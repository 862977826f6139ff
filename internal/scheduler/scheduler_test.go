package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantro/swingbot/internal/clock"
	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/store"
)

var schedDBSeq atomic.Int64

func newSchedTestStore(t *testing.T) *store.Store {
	t.Helper()
	uri := fmt.Sprintf("file:sched_test_%d?mode=memory&cache=shared", schedDBSeq.Add(1))
	s, err := store.Open(uri)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newBareScheduler builds a scheduler skeleton for exercising the job
// policy wrapper without the executor wired in
func newBareScheduler(t *testing.T, clk clock.Clock) *Scheduler {
	t.Helper()
	return &Scheduler{
		cfg:     &config.Config{Trading: config.TradingConfig{Mode: config.ModePaper}},
		store:   newSchedTestStore(t),
		clock:   clk,
		log:     config.NewLogger("scheduler.test"),
		baseCtx: context.Background(),
	}
}

func newTestJob(t *testing.T, s *Scheduler, id string, grace time.Duration, specs []string, body func(context.Context)) *job {
	t.Helper()
	j := &job{s: s, id: id, grace: grace, body: body, log: config.NewJobLogger(id)}
	for _, spec := range specs {
		sched, err := cron.ParseStandard("CRON_TZ=" + clock.ExchangeTimeZone + " " + spec)
		require.NoError(t, err)
		j.schedules = append(j.schedules, sched)
	}
	return j
}

func nyTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(clock.ExchangeTimeZone)
	require.NoError(t, err)
	// A regular Wednesday session day.
	return time.Date(2025, 3, 12, hour, min, 0, 0, loc)
}

// TestNewRegistersCalendar tests the trigger-table registration in both modes
func TestNewRegistersCalendar(t *testing.T) {
	clk := clock.NewFake(nyTime(t, 9, 0))

	paper := &config.Config{Trading: config.TradingConfig{Mode: config.ModePaper}}
	s, err := New(paper, nil, nil, nil, nil, clk)
	require.NoError(t, err)
	// morning(1) + crash(2) + pump(2) + risk(2) + eod(1) + heartbeat(1)
	assert.Len(t, s.cron.Entries(), 9)

	live := &config.Config{Trading: config.TradingConfig{Mode: config.ModeLive}}
	s, err = New(live, nil, nil, nil, nil, clk)
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 10, "live mode adds token renewal")
}

// TestPauseResume tests the global pause flag
func TestPauseResume(t *testing.T) {
	s := newBareScheduler(t, clock.NewFake(nyTime(t, 10, 0)))

	assert.False(t, s.Paused())
	s.Pause()
	assert.True(t, s.Paused())
	s.Resume()
	assert.False(t, s.Paused())
}

// TestJobDroppedWhilePaused tests that fires during pause are dropped,
// not queued
func TestJobDroppedWhilePaused(t *testing.T) {
	s := newBareScheduler(t, clock.NewFake(nyTime(t, 10, 0)))
	runs := 0
	j := newTestJob(t, s, "risk_poll", 2*time.Minute, []string{"*/5 10-14 * * 1-5"},
		func(context.Context) { runs++ })

	s.Pause()
	j.Run()
	assert.Zero(t, runs)

	s.Resume()
	j.Run()
	assert.Equal(t, 1, runs, "resume does not backfill, the next fire runs normally")
}

// TestJobSkipsNonTradingDay tests the weekend/holiday guard and the
// heartbeat exemption
func TestJobSkipsNonTradingDay(t *testing.T) {
	clk := clock.NewFake(nyTime(t, 10, 0))
	clk.Holiday = true
	s := newBareScheduler(t, clk)

	runs := 0
	j := newTestJob(t, s, "risk_poll", 2*time.Minute, []string{"*/5 10-14 * * 1-5"},
		func(context.Context) { runs++ })
	j.Run()
	assert.Zero(t, runs, "trading jobs skip holidays")

	beats := 0
	hb := newTestJob(t, s, "heartbeat", 10*time.Minute, []string{"0 * * * *"},
		func(context.Context) { beats++ })
	hb.Run()
	assert.Equal(t, 1, beats, "heartbeat runs every day")
}

// TestJobMisfireDropped tests that a fire past the grace window is
// dropped and recorded
func TestJobMisfireDropped(t *testing.T) {
	// Scheduled 9:35, firing 9:55: 20 minutes late against a 5 minute grace.
	clk := clock.NewFake(nyTime(t, 9, 55))
	s := newBareScheduler(t, clk)

	runs := 0
	j := newTestJob(t, s, "morning_signal", 5*time.Minute, []string{"35 9 * * 1-5"},
		func(context.Context) { runs++ })
	j.Run()

	assert.Zero(t, runs)
	n, err := s.store.CountEventsSince(context.Background(), store.EventSchedulerMisfire, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestJobRunsInsideGraceWindow tests the on-time path
func TestJobRunsInsideGraceWindow(t *testing.T) {
	clk := clock.NewFake(nyTime(t, 9, 36))
	s := newBareScheduler(t, clk)

	runs := 0
	j := newTestJob(t, s, "morning_signal", 5*time.Minute, []string{"35 9 * * 1-5"},
		func(context.Context) { runs++ })
	j.Run()

	assert.Equal(t, 1, runs)
}

// TestJobPanicRecovered tests that a panicking body does not take the
// cron loop down
func TestJobPanicRecovered(t *testing.T) {
	s := newBareScheduler(t, clock.NewFake(nyTime(t, 10, 0)))
	j := newTestJob(t, s, "risk_poll", 2*time.Minute, []string{"*/5 10-14 * * 1-5"},
		func(context.Context) { panic("boom") })

	assert.NotPanics(t, func() { j.Run() })
	assert.Equal(t, int64(1), s.errorCount.Load())
}

// TestLastScheduledPicksLatestAcrossSpecs tests misfire detection when a
// job runs under several cron expressions
func TestLastScheduledPicksLatestAcrossSpecs(t *testing.T) {
	s := newBareScheduler(t, clock.NewFake(nyTime(t, 10, 16)))
	j := newTestJob(t, s, "crash_poll", 2*time.Minute,
		[]string{"45 9 * * 1-5", "0,15,30,45 10-11 * * 1-5"}, nil)

	last := j.lastScheduled(nyTime(t, 10, 16))
	assert.True(t, last.Equal(nyTime(t, 10, 15)), "want the 10:15 fire, got %s", last)
}
