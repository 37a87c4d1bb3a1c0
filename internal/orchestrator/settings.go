package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/envfleet/envfleet/internal/models"
)

// SettingsUpdate lists the settings to change. Nil fields are left alone.
type SettingsUpdate struct {
	FriendlyName             *string
	AutoShutdownDelayMinutes *int
	SKUName                  *string
	// TargetPlan moves the environment to another plan.
	TargetPlan *models.Plan
}

// settingsRejected carries every rule that rejected an update.
type settingsRejected struct {
	codes []MessageCode
}

func (e *settingsRejected) Error() string {
	parts := make([]string, len(e.codes))
	for i, code := range e.codes {
		parts[i] = string(code)
	}
	return "settings rejected: " + strings.Join(parts, ", ")
}

// UpdateSettings changes settings of a shut down environment. Every rule
// is evaluated and all failures are reported together. The write retries
// on conflict, re-validating against the re-fetched environment each time;
// if the competing write changed a setting this update also changes, the
// update is rejected with the winner's copy. A plan change also emits a
// Moved transition billed to the old plan.
func (m *EnvironmentManager) UpdateSettings(ctx context.Context, env models.Environment, plan models.Plan, update SettingsUpdate, sub models.Subscription) (result Result) {
	ctx, span, logger := m.startSpan(ctx, "update_settings", env)
	defer func() { endSpan(span, result) }()

	updated, err := m.update(ctx, env, func(e models.Environment) error {
		if !e.State.IsShutdown() {
			return &settingsRejected{codes: []MessageCode{MessageEnvironmentNotShutdown}}
		}
		if settingsChangedUnderneath(env, e, update) {
			return &settingsRejected{codes: []MessageCode{MessageEnvironmentModified}}
		}
		codes, err := m.validateSettings(ctx, e, plan, update, sub)
		if err != nil {
			return err
		}
		if len(codes) > 0 {
			return &settingsRejected{codes: codes}
		}
		return nil
	}, func(e *models.Environment, c *Changes) error {
		oldPlanID := e.PlanID
		if update.FriendlyName != nil {
			e.FriendlyName = strings.TrimSpace(*update.FriendlyName)
		}
		if update.AutoShutdownDelayMinutes != nil {
			e.AutoShutdownDelayMinutes = *update.AutoShutdownDelayMinutes
		}
		if update.SKUName != nil {
			if sku, err := m.catalog.Lookup(*update.SKUName); err == nil {
				e.SKUName = sku.Name
			}
		}
		if update.TargetPlan != nil && update.TargetPlan.ID != oldPlanID {
			e.PlanID = update.TargetPlan.ID
			e.SubscriptionID = update.TargetPlan.SubscriptionID
			return c.Move(e, oldPlanID, TriggerUpdateSettings)
		}
		return nil
	})
	var rejected *settingsRejected
	if errors.As(err, &rejected) {
		return failures(rejected.codes, &updated)
	}
	if err != nil {
		logger.Error().Err(err).Msg("update settings")
		return failure(MessageInternalError, &env)
	}
	return success(http.StatusOK, updated)
}

// settingsChangedUnderneath reports whether another writer changed a
// setting that update also changes, between the caller's read and fresh.
func settingsChangedUnderneath(read, fresh models.Environment, update SettingsUpdate) bool {
	switch {
	case update.FriendlyName != nil && fresh.FriendlyName != read.FriendlyName:
		return true
	case update.AutoShutdownDelayMinutes != nil && fresh.AutoShutdownDelayMinutes != read.AutoShutdownDelayMinutes:
		return true
	case update.SKUName != nil && fresh.SKUName != read.SKUName:
		return true
	case update.TargetPlan != nil && fresh.PlanID != read.PlanID:
		return true
	}
	return false
}

// validateSettings returns every rule update breaks against env.
func (m *EnvironmentManager) validateSettings(ctx context.Context, env models.Environment, plan models.Plan, update SettingsUpdate, sub models.Subscription) ([]MessageCode, error) {
	var codes []MessageCode
	destination := plan
	moving := update.TargetPlan != nil && update.TargetPlan.ID != env.PlanID
	if moving {
		destination = *update.TargetPlan
	}

	if update.AutoShutdownDelayMinutes != nil && !destination.AllowsAutoShutdownDelay(*update.AutoShutdownDelayMinutes) {
		codes = append(codes, MessageInvalidAutoShutdownDelay)
	}

	skuName := env.SKUName
	if update.SKUName != nil && !strings.EqualFold(*update.SKUName, env.SKUName) {
		current, err := m.catalog.Lookup(env.SKUName)
		if err != nil || !current.CanTransitionTo(*update.SKUName) {
			codes = append(codes, MessageInvalidSKUChange)
		}
		target, err := m.catalog.Lookup(*update.SKUName)
		if err != nil || !target.AvailableIn(env.Location) {
			codes = append(codes, MessageSKUNotAvailableInLocation)
		} else {
			skuName = target.Name
		}
	}

	if moving && destination.Location != "" && !strings.EqualFold(destination.Location, env.Location) {
		codes = append(codes, MessageLocationChangeNotAllowed)
	}

	renaming := update.FriendlyName != nil && models.NameKey(*update.FriendlyName) != env.NameKey()
	if update.FriendlyName != nil && strings.TrimSpace(*update.FriendlyName) == "" {
		codes = append(codes, MessageInvalidRequest)
		renaming = false
	}
	if renaming || moving {
		name := env.FriendlyName
		if update.FriendlyName != nil {
			name = *update.FriendlyName
		}
		taken, err := m.nameTaken(ctx, destination.ID, name, env.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			codes = append(codes, MessageEnvironmentNameAlreadyExists)
		}
	}

	if moving {
		code, err := m.checkQuota(ctx, env, &destination, sub, skuName)
		if err != nil {
			return nil, err
		}
		if code != MessageNone {
			codes = append(codes, code)
		}
	}
	return codes, nil
}
