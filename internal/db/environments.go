// ABOUTME: Environment database operations with version-checked updates.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/envfleet/envfleet/internal/models"
)

const environmentColumns = `id, version, doc`

// CreateEnvironment inserts a new environment row at version 1.
func (s *Store) CreateEnvironment(ctx context.Context, env models.Environment) (models.Environment, error) {
	if s == nil || s.DB == nil {
		return models.Environment{}, errors.New("db store is nil")
	}
	if strings.TrimSpace(env.ID) == "" {
		return models.Environment{}, errors.New("environment id is required")
	}
	if strings.TrimSpace(env.PlanID) == "" {
		return models.Environment{}, errors.New("environment plan id is required")
	}
	if strings.TrimSpace(env.FriendlyName) == "" {
		return models.Environment{}, errors.New("environment friendly name is required")
	}
	if env.State == "" {
		return models.Environment{}, errors.New("environment state is required")
	}
	now := s.clock()
	if env.Created.IsZero() {
		env.Created = now
	}
	env.Updated = now
	if env.LastUsed.IsZero() {
		env.LastUsed = now
	}
	env.Version = 1
	doc, err := json.Marshal(env)
	if err != nil {
		return models.Environment{}, fmt.Errorf("encode environment %s: %w", env.ID, err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO environments (
		id, plan_id, subscription_id, owner_id, friendly_name, name_key, type, state, sku_name, version, created_at, updated_at, doc
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID,
		env.PlanID,
		env.SubscriptionID,
		env.OwnerID,
		env.FriendlyName,
		env.NameKey(),
		env.Type,
		env.State,
		env.SKUName,
		env.Version,
		formatTime(env.Created),
		formatTime(env.Updated),
		string(doc),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "environments.id") {
				return models.Environment{}, fmt.Errorf("insert environment %s: %w", env.ID, ErrConflict)
			}
			return models.Environment{}, fmt.Errorf("insert environment %s: %w", env.ID, ErrDuplicateName)
		}
		return models.Environment{}, fmt.Errorf("insert environment %s: %w", env.ID, err)
	}
	return env, nil
}

// GetEnvironment loads an environment by id.
func (s *Store) GetEnvironment(ctx context.Context, id string) (models.Environment, error) {
	if s == nil || s.DB == nil {
		return models.Environment{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id = ?`, id)
	env, err := scanEnvironmentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Environment{}, fmt.Errorf("environment %s: %w", id, ErrNotFound)
		}
		return models.Environment{}, err
	}
	return env, nil
}

// UpdateEnvironment writes env if the stored version still equals env.Version.
//
// On success the returned copy carries the new version. A stale copy yields
// ErrConflict; callers must re-fetch and reapply their change.
func (s *Store) UpdateEnvironment(ctx context.Context, env models.Environment) (models.Environment, error) {
	if s == nil || s.DB == nil {
		return models.Environment{}, errors.New("db store is nil")
	}
	if strings.TrimSpace(env.ID) == "" {
		return models.Environment{}, errors.New("environment id is required")
	}
	if !env.State.Valid() || env.State == models.StateMoved {
		return models.Environment{}, fmt.Errorf("environment %s: cannot persist state %q", env.ID, env.State)
	}
	expected := env.Version
	now := s.clock()
	env.Version = expected + 1
	env.Updated = now
	env.LastUsed = now
	doc, err := json.Marshal(env)
	if err != nil {
		return models.Environment{}, fmt.Errorf("encode environment %s: %w", env.ID, err)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE environments SET
		plan_id = ?, subscription_id = ?, owner_id = ?, friendly_name = ?, name_key = ?, type = ?, state = ?, sku_name = ?,
		version = ?, updated_at = ?, doc = ?
		WHERE id = ? AND version = ?`,
		env.PlanID,
		env.SubscriptionID,
		env.OwnerID,
		env.FriendlyName,
		env.NameKey(),
		env.Type,
		env.State,
		env.SKUName,
		env.Version,
		formatTime(now),
		string(doc),
		env.ID,
		expected,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Environment{}, fmt.Errorf("update environment %s: %w", env.ID, ErrDuplicateName)
		}
		return models.Environment{}, fmt.Errorf("update environment %s: %w", env.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Environment{}, fmt.Errorf("rows affected environment %s: %w", env.ID, err)
	}
	if affected == 0 {
		if _, err := s.GetEnvironment(ctx, env.ID); err != nil {
			return models.Environment{}, err
		}
		return models.Environment{}, fmt.Errorf("update environment %s at version %d: %w", env.ID, expected, ErrConflict)
	}
	return env, nil
}

// DeleteEnvironment removes the environment row.
func (s *Store) DeleteEnvironment(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete environment %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected environment %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}
	return nil
}

// QueryEnvironments returns environments matching filter and, if non-nil, pred,
// ordered by creation time.
func (s *Store) QueryEnvironments(ctx context.Context, filter models.EnvironmentFilter, pred func(models.Environment) bool) ([]models.Environment, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	var clauses []string
	var args []any
	if filter.PlanID != "" {
		clauses = append(clauses, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.SubscriptionID != "" {
		clauses = append(clauses, "subscription_id = ?")
		args = append(args, filter.SubscriptionID)
	}
	if filter.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if !filter.IncludeDeleted {
		clauses = append(clauses, "state != ?")
		args = append(args, models.StateDeleted)
	}
	query := `SELECT ` + environmentColumns + ` FROM environments`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query environments: %w", err)
	}
	defer rows.Close()
	var out []models.Environment
	for rows.Next() {
		env, err := scanEnvironmentRow(rows)
		if err != nil {
			return nil, err
		}
		if pred != nil && !pred(env) {
			continue
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate environments: %w", err)
	}
	return out, nil
}

func scanEnvironmentRow(scanner interface{ Scan(dest ...any) error }) (models.Environment, error) {
	var id string
	var version int64
	var doc string
	if err := scanner.Scan(&id, &version, &doc); err != nil {
		return models.Environment{}, err
	}
	var env models.Environment
	if err := json.Unmarshal([]byte(doc), &env); err != nil {
		return models.Environment{}, fmt.Errorf("decode environment %s: %w", id, err)
	}
	if env.State == "" {
		return models.Environment{}, fmt.Errorf("environment %s state missing", id)
	}
	// The column is authoritative for the concurrency token.
	env.ID = id
	env.Version = version
	return env, nil
}
