// Package hedge implements the trailing hedge controller: as an open
// position accumulates unrealized gain, a tier ladder progressively opens
// an inverse position to lock part of the profit in, bounded by a maximum
// hedge fraction.
//
// The controller has no internal mutex. The executor calls it only while
// holding the position lock, which serializes every mutation.
package hedge

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantro/swingbot/internal/clock"
	"github.com/quantro/swingbot/internal/config"
)

// Tier is one rung of the ladder. Once triggered it cannot re-fire until
// the whole ladder is reset by clearing the position.
type Tier struct {
	GainThresholdPct float64    `json:"gain_threshold_pct"`
	HedgeSizePct     float64    `json:"hedge_size_pct"`
	Triggered        bool       `json:"triggered"`
	TriggeredAt      *time.Time `json:"triggered_at,omitempty"`
}

// HedgeEntry records one confirmed hedge fill
type HedgeEntry struct {
	Shares int64     `json:"shares"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// TrackedPosition is the controller's view of the position being hedged
type TrackedPosition struct {
	Symbol        string       `json:"symbol"`
	Shares        int64        `json:"shares"`
	EntryPrice    float64      `json:"entry_price"`
	OriginalValue float64      `json:"original_value"`
	HedgeSymbol   string       `json:"hedge_symbol,omitempty"`
	HedgeShares   int64        `json:"hedge_shares"`
	HedgeEntries  []HedgeEntry `json:"hedge_entries,omitempty"`
}

// Order is a hedge order the executor should place. At most one is
// returned per CheckAndHedge call.
type Order struct {
	Symbol     string  `json:"symbol"`
	Shares     int64   `json:"shares"`
	TierIndex  int     `json:"tier_index"`
	HedgeValue float64 `json:"hedge_value"`
	GainPct    float64 `json:"gain_pct"`
}

// Status is a diagnostic snapshot for the command surface
type Status struct {
	Enabled       bool             `json:"enabled"`
	Position      *TrackedPosition `json:"position,omitempty"`
	Tiers         []Tier           `json:"tiers"`
	TotalHedgePct float64          `json:"total_hedge_pct"`
}

// Controller owns the tracked position and the tier ladder
type Controller struct {
	enabled        bool
	maxHedgePct    float64
	minGainDollars float64
	instruments    config.InstrumentConfig
	clock          clock.Clock
	log            zerolog.Logger

	tiers []Tier
	pos   *TrackedPosition
}

// NewController creates a controller from configuration
func NewController(cfg config.HedgeConfig, instruments config.InstrumentConfig, clk clock.Clock) *Controller {
	tiers := make([]Tier, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		tiers[i] = Tier{
			GainThresholdPct: t.GainThresholdPct,
			HedgeSizePct:     t.HedgeSizePct,
		}
	}

	return &Controller{
		enabled:        cfg.Enabled,
		maxHedgePct:    cfg.MaxHedgePct,
		minGainDollars: cfg.MinGainDollars,
		instruments:    instruments,
		clock:          clk,
		tiers:          tiers,
		log:            config.NewLogger("hedge"),
	}
}

// inverseOf maps an instrument to its hedge: long ETFs hedge with the
// 2x inverse, the inverse hedges with the 2x long
func (c *Controller) inverseOf(symbol string) string {
	if symbol == c.instruments.Inverse2x {
		return c.instruments.Long2x
	}
	return c.instruments.Inverse2x
}

// RegisterPosition replaces any prior tracked position and resets every
// tier trigger
func (c *Controller) RegisterPosition(symbol string, shares int64, entryPrice float64) {
	c.pos = &TrackedPosition{
		Symbol:        symbol,
		Shares:        shares,
		EntryPrice:    entryPrice,
		OriginalValue: float64(shares) * entryPrice,
	}
	for i := range c.tiers {
		c.tiers[i].Triggered = false
		c.tiers[i].TriggeredAt = nil
	}

	c.log.Info().
		Str("symbol", symbol).
		Int64("shares", shares).
		Float64("entry_price", entryPrice).
		Msg("Position registered for trailing hedge")
}

// ClearPosition drops the tracked position after an EOD close
func (c *Controller) ClearPosition() {
	if c.pos != nil {
		c.log.Info().Str("symbol", c.pos.Symbol).Msg("Tracked position cleared")
	}
	c.pos = nil
	for i := range c.tiers {
		c.tiers[i].Triggered = false
		c.tiers[i].TriggeredAt = nil
	}
}

// Position returns the tracked position, or nil
func (c *Controller) Position() *TrackedPosition {
	return c.pos
}

// triggeredPct sums the hedge size of all triggered tiers
func (c *Controller) triggeredPct() float64 {
	var total float64
	for _, t := range c.tiers {
		if t.Triggered {
			total += t.HedgeSizePct
		}
	}
	return total
}

// CheckAndHedge evaluates the ladder against the current price and
// returns at most one hedge order per tier crossing
func (c *Controller) CheckAndHedge(currentPrice float64) *Order {
	if !c.enabled || c.pos == nil || currentPrice <= 0 {
		return nil
	}

	gainDollars := float64(c.pos.Shares) * (currentPrice - c.pos.EntryPrice)
	if gainDollars < c.minGainDollars {
		return nil
	}
	gainPct := gainDollars / c.pos.OriginalValue * 100

	currentTotal := c.triggeredPct()
	for i := range c.tiers {
		tier := &c.tiers[i]
		if tier.Triggered || gainPct < tier.GainThresholdPct {
			continue
		}

		if currentTotal+tier.HedgeSizePct > c.maxHedgePct {
			// This tier would exceed the bound; a smaller later tier
			// may still fit.
			continue
		}

		now := c.clock.Now()
		tier.Triggered = true
		tier.TriggeredAt = &now

		hedgeValue := c.pos.OriginalValue * tier.HedgeSizePct / 100
		shares := int64(math.Floor(hedgeValue / currentPrice))
		if shares < 1 {
			shares = 1
		}

		order := &Order{
			Symbol:     c.inverseOf(c.pos.Symbol),
			Shares:     shares,
			TierIndex:  i,
			HedgeValue: hedgeValue,
			GainPct:    gainPct,
		}

		c.log.Info().
			Int("tier", i).
			Float64("gain_pct", gainPct).
			Float64("hedge_value", hedgeValue).
			Str("hedge_symbol", order.Symbol).
			Int64("hedge_shares", shares).
			Msg("Hedge tier triggered")

		return order
	}

	return nil
}

// UpdateHedgeShares records the confirmed hedge fill against the tracked
// position
func (c *Controller) UpdateHedgeShares(filledShares int64, fillPrice float64) {
	if c.pos == nil || filledShares <= 0 {
		return
	}

	c.pos.HedgeSymbol = c.inverseOf(c.pos.Symbol)
	c.pos.HedgeShares += filledShares
	c.pos.HedgeEntries = append(c.pos.HedgeEntries, HedgeEntry{
		Shares: filledShares,
		Price:  fillPrice,
		Time:   c.clock.Now(),
	})
}

// GetStatus returns a diagnostic snapshot
func (c *Controller) GetStatus() Status {
	tiers := make([]Tier, len(c.tiers))
	copy(tiers, c.tiers)

	return Status{
		Enabled:       c.enabled,
		Position:      c.pos,
		Tiers:         tiers,
		TotalHedgePct: c.triggeredPct(),
	}
}
