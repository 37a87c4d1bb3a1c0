// ABOUTME: Billing state-change ledger operations.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/envfleet/envfleet/internal/models"
)

// BillingEvent is one state change reported to billing.
type BillingEvent struct {
	ID            int64
	Timestamp     time.Time
	PlanID        string
	EnvironmentID string
	SKUName       string
	OldState      string
	NewState      string
	JSON          string
}

// billingSummary is the environment summary stored next to each billing row.
type billingSummary struct {
	FriendlyName   string `json:"friendlyName"`
	OwnerID        string `json:"ownerId"`
	SubscriptionID string `json:"subscriptionId"`
	Type           string `json:"type"`
	Location       string `json:"location"`
}

// RecordStateChange appends a billing state-change row keyed by plan, environment and SKU.
func (s *Store) RecordStateChange(ctx context.Context, planID string, env models.Environment, oldState, newState string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if strings.TrimSpace(planID) == "" {
		return errors.New("billing plan id is required")
	}
	if strings.TrimSpace(env.ID) == "" {
		return errors.New("billing environment id is required")
	}
	summary, err := json.Marshal(billingSummary{
		FriendlyName:   env.FriendlyName,
		OwnerID:        env.OwnerID,
		SubscriptionID: env.SubscriptionID,
		Type:           string(env.Type),
		Location:       env.Location,
	})
	if err != nil {
		return fmt.Errorf("encode billing summary %s: %w", env.ID, err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO billing_events (ts, plan_id, environment_id, sku_name, old_state, new_state, json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(s.clock()),
		planID,
		env.ID,
		env.SKUName,
		oldState,
		newState,
		string(summary),
	)
	if err != nil {
		return fmt.Errorf("insert billing event %s: %w", env.ID, err)
	}
	return nil
}

// ListBillingEvents returns billing rows for an environment, oldest first.
func (s *Store) ListBillingEvents(ctx context.Context, environmentID string) ([]BillingEvent, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, plan_id, environment_id, sku_name, old_state, new_state, json
		FROM billing_events WHERE environment_id = ? ORDER BY id ASC`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list billing events: %w", err)
	}
	defer rows.Close()
	var out []BillingEvent
	for rows.Next() {
		var ev BillingEvent
		var ts string
		var payload *string
		if err := rows.Scan(&ev.ID, &ts, &ev.PlanID, &ev.EnvironmentID, &ev.SKUName, &ev.OldState, &ev.NewState, &payload); err != nil {
			return nil, fmt.Errorf("scan billing event: %w", err)
		}
		parsed, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse billing ts: %w", err)
		}
		ev.Timestamp = parsed
		if payload != nil {
			ev.JSON = *payload
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate billing events: %w", err)
	}
	return out, nil
}
