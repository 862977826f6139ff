package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Settings keys
const (
	settingTradingMode  = "trading_mode"
	settingApprovalMode = "approval_mode"
)

// GetStrategyParam returns a persisted numeric strategy parameter,
// or (0, false) when the parameter has never been set
func (s *Store) GetStrategyParam(ctx context.Context, name string) (float64, bool, error) {
	var value float64
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM strategy_params WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read strategy param %s: %w", name, err)
	}
	return value, true, nil
}

// SetStrategyParam writes a strategy parameter, recording the previous
// value and the tuner's reason
func (s *Store) SetStrategyParam(ctx context.Context, name string, value float64, reason string) error {
	prev, had, err := s.GetStrategyParam(ctx, name)
	if err != nil {
		return err
	}

	var prevValue interface{}
	if had {
		prevValue = prev
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO strategy_params (name, value, prev_value, reason, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			prev_value = excluded.prev_value,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		name, value, prevValue, reason, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to set strategy param %s: %w", name, err)
	}
	return nil
}

// GetTradingMode returns the persisted trading mode, or "" if unset
func (s *Store) GetTradingMode(ctx context.Context) (string, error) {
	return s.getSetting(ctx, settingTradingMode)
}

// SetTradingMode persists the trading mode
func (s *Store) SetTradingMode(ctx context.Context, mode string) error {
	return s.putSetting(ctx, settingTradingMode, mode)
}

// GetApprovalMode returns the persisted approval mode, or "" if unset
func (s *Store) GetApprovalMode(ctx context.Context) (string, error) {
	return s.getSetting(ctx, settingApprovalMode)
}

// SetApprovalMode persists the approval mode
func (s *Store) SetApprovalMode(ctx context.Context, mode string) error {
	return s.putSetting(ctx, settingApprovalMode, mode)
}

func (s *Store) getSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) putSetting(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
