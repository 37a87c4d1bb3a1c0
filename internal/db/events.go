// ABOUTME: Diagnostic event log operations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one row of the diagnostic event log.
type Event struct {
	ID            int64
	Timestamp     time.Time
	Kind          string
	EnvironmentID string
	CorrelationID string
	Message       string
	JSON          string
}

// RecordEvent inserts an event row. A zero Timestamp is stamped with the store clock.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if strings.TrimSpace(ev.Kind) == "" {
		return errors.New("event kind is required")
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, environment_id, correlation_id, msg, json) VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(ts),
		ev.Kind,
		nullIfEmpty(ev.EnvironmentID),
		nullIfEmpty(ev.CorrelationID),
		nullIfEmpty(ev.Message),
		nullIfEmpty(ev.JSON),
	)
	if err != nil {
		return fmt.Errorf("insert event %q: %w", ev.Kind, err)
	}
	return nil
}

// ListEventsByEnvironment returns events for an environment after afterID, oldest first.
func (s *Store) ListEventsByEnvironment(ctx context.Context, environmentID string, afterID int64, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	environmentID = strings.TrimSpace(environmentID)
	if environmentID == "" {
		return nil, errors.New("environment id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, environment_id, correlation_id, msg, json
		FROM events WHERE environment_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, environmentID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var environmentID sql.NullString
	var correlationID sql.NullString
	var msg sql.NullString
	var jsonPayload sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &environmentID, &correlationID, &msg, &jsonPayload); err != nil {
		return Event{}, err
	}
	if ts != "" {
		parsed, err := parseTime(ts)
		if err != nil {
			return Event{}, fmt.Errorf("parse event ts: %w", err)
		}
		ev.Timestamp = parsed
	}
	ev.EnvironmentID = environmentID.String
	ev.CorrelationID = correlationID.String
	ev.Message = msg.String
	ev.JSON = jsonPayload.String
	return ev, nil
}
