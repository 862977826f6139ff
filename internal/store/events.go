package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Event log levels
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Well-known event types appended by the core subsystems
const (
	EventTradeExecuted          = "TRADE_EXECUTED"
	EventPositionClosed         = "POSITION_CLOSED"
	EventDuplicateBlocked       = "DUPLICATE_BLOCKED"
	EventPartialFill            = "PARTIAL_FILL"
	EventFillUnconfirmed        = "FILL_UNCONFIRMED"
	EventHedgeTriggered         = "HEDGE_TRIGGERED"
	EventReversalExecuted       = "REVERSAL_EXECUTED"
	EventReversalPartialFailure = "REVERSAL_PARTIAL_FAILURE"
	EventSwitchAborted          = "SWITCH_ABORTED"
	EventSchedulerHeartbeat     = "SCHEDULER_HEARTBEAT"
	EventSchedulerMisfire       = "SCHEDULER_MISFIRE"
	EventTokenRenewed           = "TOKEN_RENEWED"
	EventApprovalTimeout        = "APPROVAL_TIMEOUT"
	EventApprovalRejected       = "APPROVAL_REJECTED"
	EventDataUnavailable        = "DATA_UNAVAILABLE"
)

// Event is one append-only row from the event log
type Event struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	EventType string                 `json:"event_type"`
	Detail    map[string]interface{} `json:"detail"`
}

// LogEvent appends an event to the log. It never fails the caller's
// operation: persistence errors are logged and swallowed, an order in
// flight must not be aborted because the audit write failed.
func (s *Store) LogEvent(ctx context.Context, level, eventType string, detail map[string]interface{}) {
	if detail == nil {
		detail = map[string]interface{}{}
	}

	data, err := json.Marshal(detail)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal event detail")
		data = []byte("{}")
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO events (ts, level, event_type, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), level, eventType, string(data),
	)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("Failed to append event")
	}
}

// RecentEvents returns the most recent n events, newest first
func (s *Store) RecentEvents(ctx context.Context, n int) ([]Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, ts, level, event_type, detail FROM events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			ts     string
			detail string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.EventType, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			e.Detail = map[string]interface{}{"raw": detail}
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// CountEventsSince counts events of a given type at or after the cutoff
func (s *Store) CountEventsSince(ctx context.Context, eventType string, since time.Time) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE event_type = ? AND ts >= ?`,
		eventType, since.UTC().Format(time.RFC3339Nano),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
