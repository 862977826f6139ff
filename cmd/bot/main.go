// Command bot runs the trading agent: scheduler, approval channel and
// metrics endpoint in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantro/swingbot/internal/approval"
	"github.com/quantro/swingbot/internal/broker"
	"github.com/quantro/swingbot/internal/clock"
	"github.com/quantro/swingbot/internal/config"
	"github.com/quantro/swingbot/internal/executor"
	"github.com/quantro/swingbot/internal/hedge"
	"github.com/quantro/swingbot/internal/marketdata"
	"github.com/quantro/swingbot/internal/metrics"
	"github.com/quantro/swingbot/internal/scheduler"
	sig "github.com/quantro/swingbot/internal/signal"
	"github.com/quantro/swingbot/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Agent failed")
	}
}

func run() error {
	// .env is optional; deployment sets real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	applyStoredOverrides(ctx, st, cfg)

	clk, err := clock.NewReal()
	if err != nil {
		return err
	}

	chart := marketdata.NewChartProvider(cfg.MarketData.ChartBaseURL)

	var (
		gateway   *marketdata.Gateway
		bk        broker.Gateway
		accountID string
	)
	if cfg.Trading.Mode == config.ModeLive {
		live, err := broker.NewLive(cfg.Broker, st)
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		// Broker quotes are real-time; the chart API is the fallback.
		gateway = marketdata.NewGateway(marketdata.NewBrokerProvider(live), chart)
		bk = live
		accountID = cfg.Broker.AccountHandle
	} else {
		gateway = marketdata.NewGateway(chart)
		bk = broker.NewPaper(gateway, cfg.Trading.InitialPaperCapital, cfg.Strategy.SlippagePct)
		accountID = broker.PaperAccountID
	}

	engine := sig.NewEngine(clk, gateway, cfg.Trading.Instruments)
	hedgeCtrl := hedge.NewController(cfg.Hedge, cfg.Trading.Instruments, clk)

	var channel approval.Channel = approval.Noop{}
	var telegram *approval.Telegram
	if cfg.Telegram.BotToken != "" {
		telegram, err = approval.NewTelegram(cfg.Telegram, st)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		channel = telegram
	} else if cfg.Trading.ApprovalMode == config.ApprovalRequired {
		return fmt.Errorf("approval mode %q needs a Telegram bot token", cfg.Trading.ApprovalMode)
	}

	exec := executor.New(cfg, bk, gateway, engine, hedgeCtrl, st, channel, clk, accountID)

	sched, err := scheduler.New(cfg, exec, engine, bk, st, clk)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if telegram != nil {
		telegram.SetController(&agentController{
			cfg: cfg, st: st, sched: sched, exec: exec, engine: engine,
		})
	}

	log.Info().
		Str("mode", string(cfg.Trading.Mode)).
		Str("approval", string(cfg.Trading.ApprovalMode)).
		Str("account", accountID).
		Msg("Agent starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.Monitoring) })
	if telegram != nil {
		g.Go(func() error { return telegram.Run(gctx) })
	}

	<-gctx.Done()
	exec.Shutdown()

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Info().Msg("Agent stopped")
	return nil
}

// applyStoredOverrides overlays persisted settings and tuner-adjusted
// strategy parameters onto the loaded configuration. Precedence is
// compiled default < store < process environment: a value set in the
// environment for this session is never overridden by the store.
func applyStoredOverrides(ctx context.Context, st *store.Store, cfg *config.Config) {
	if os.Getenv("TRADING_MODE") == "" {
		if mode, err := st.GetTradingMode(ctx); err == nil && mode != "" {
			if m := config.TradingMode(mode); m == config.ModeLive || m == config.ModePaper {
				cfg.Trading.Mode = m
			}
		}
	}
	if os.Getenv("APPROVAL_MODE") == "" {
		if mode, err := st.GetApprovalMode(ctx); err == nil && mode != "" {
			switch m := config.ApprovalMode(mode); m {
			case config.ApprovalRequired, config.ApprovalNotifyOnly, config.ApprovalAuto:
				cfg.Trading.ApprovalMode = m
			}
		}
	}

	params := []struct {
		name string
		env  string
		dst  *float64
	}{
		{"mean_reversion_threshold", "", &cfg.Strategy.MeanReversionThreshold},
		{"crash_day_threshold", "", &cfg.Strategy.CrashDayThreshold},
		{"pump_day_threshold", "", &cfg.Strategy.PumpDayThreshold},
		{"reversal_threshold", "", &cfg.Strategy.ReversalThreshold},
		{"max_position_pct", "MAX_POSITION_PCT", &cfg.Trading.MaxPositionPct},
	}
	for _, p := range params {
		if p.env != "" && os.Getenv(p.env) != "" {
			continue
		}
		if v, ok, err := st.GetStrategyParam(ctx, p.name); err == nil && ok {
			log.Info().Str("param", p.name).Float64("value", v).Msg("Using stored strategy parameter")
			*p.dst = v
		}
	}
}

// agentController exposes the running agent to the chat command surface
type agentController struct {
	cfg    *config.Config
	st     *store.Store
	sched  *scheduler.Scheduler
	exec   *executor.Executor
	engine *sig.Engine
}

func (c *agentController) Pause()       { c.sched.Pause() }
func (c *agentController) Resume()      { c.sched.Resume() }
func (c *agentController) Paused() bool { return c.sched.Paused() }

func (c *agentController) TradingMode() string {
	return string(c.cfg.Trading.Mode)
}

func (c *agentController) SetTradingMode(ctx context.Context, mode string) error {
	switch m := config.TradingMode(mode); m {
	case config.ModeLive, config.ModePaper:
		return c.st.SetTradingMode(ctx, mode)
	default:
		return fmt.Errorf("unknown mode %q (want live or paper)", mode)
	}
}

func (c *agentController) Portfolio(ctx context.Context) (*approval.PortfolioView, error) {
	snap, err := c.exec.PortfolioValue(ctx)
	if err != nil {
		return nil, err
	}
	view := &approval.PortfolioView{
		Cash:       snap.Cash,
		TotalValue: snap.TotalValue,
		IsPaper:    snap.IsPaper,
	}
	for _, p := range snap.Positions {
		view.Positions = append(view.Positions, approval.PositionView{
			Symbol:       p.Symbol,
			Shares:       p.Shares,
			EntryPrice:   p.EntryPrice,
			CurrentPrice: p.CurrentPrice,
			Value:        p.Value,
			PnL:          p.PnL,
			PnLPct:       p.PnLPct,
		})
	}
	return view, nil
}

func (c *agentController) CurrentSignal(ctx context.Context) (*approval.SignalView, error) {
	s := c.engine.TodaySignal(ctx, c.exec.Holdings(), c.cfg.Strategy)
	return &approval.SignalView{
		Kind:   string(s.Kind),
		Symbol: s.Symbol,
		Reason: s.Reason,
	}, nil
}
