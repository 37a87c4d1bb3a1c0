// ABOUTME: Package testing provides shared fixtures for envfleet tests.
//
// Key utilities:
//   - Model factories: NewTestEnvironment, NewTestPlan, NewTestSubscription, TestSKUs
//   - In-memory sinks: MockBillingSink, MockMetricsSink
//   - Helpers: OpenTestDB
//
// The package must not import internal/db, whose tests depend on it.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envfleet/envfleet/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	TestPlanID         = "plan-1"
	TestSubscriptionID = "sub-1"
	TestOwnerID        = "alice"
	TestLocation       = "WestUs2"
	TestSKU            = "standardLinux"
	TestLargeSKU       = "premiumLinux"
	TestWindowsSKU     = "standardWindows"
	TestFamily         = "standard"
)

// OpenTestDB opens a raw SQLite handle in a temporary directory. The caller
// must have the sqlite driver registered.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestSKUs is the SKU catalog used by tests: two 4 and 8 core Linux SKUs in
// one family that may switch between each other, and a Windows SKU.
func TestSKUs() []models.SKU {
	locations := []string{TestLocation, "EastUs"}
	return []models.SKU{
		{Name: TestSKU, Family: TestFamily, Cores: 4, OS: models.OSLinux, StorageSizeBytes: 64 << 30, Locations: locations, AllowedTransitions: []string{TestLargeSKU}},
		{Name: TestLargeSKU, Family: TestFamily, Cores: 8, OS: models.OSLinux, StorageSizeBytes: 128 << 30, Locations: locations, AllowedTransitions: []string{TestSKU}},
		{Name: TestWindowsSKU, Family: "windows", Cores: 8, OS: models.OSWindows, StorageSizeBytes: 128 << 30, Locations: locations},
	}
}

// NewTestPlan returns a plan owned by TestOwnerID.
func NewTestPlan(id string) models.Plan {
	if id == "" {
		id = TestPlanID
	}
	return models.Plan{
		ID:                        id,
		SubscriptionID:            TestSubscriptionID,
		OwnerID:                   TestOwnerID,
		Location:                  TestLocation,
		AllowedAutoShutdownDelays: []int{0, 5, 30, 60, 120},
	}
}

// NewTestSubscription returns a registered subscription with maxCores for
// TestFamily and the windows family.
func NewTestSubscription(maxCores int) models.Subscription {
	return models.Subscription{
		ID:               TestSubscriptionID,
		State:            models.SubscriptionRegistered,
		MaxCoresByFamily: map[string]int{TestFamily: maxCores, "windows": maxCores},
	}
}

// EnvironmentOpts overrides NewTestEnvironment defaults.
type EnvironmentOpts struct {
	ID           string
	FriendlyName string
	PlanID       string
	OwnerID      string
	Type         models.EnvironmentType
	State        models.EnvironmentState
	SKUName      string
	Location     string
}

// NewTestEnvironment creates a Standard environment in Created state.
func NewTestEnvironment(opts EnvironmentOpts) models.Environment {
	env := models.Environment{
		ID:                       opts.ID,
		FriendlyName:             opts.FriendlyName,
		PlanID:                   opts.PlanID,
		SubscriptionID:           TestSubscriptionID,
		OwnerID:                  opts.OwnerID,
		Type:                     opts.Type,
		State:                    opts.State,
		SKUName:                  opts.SKUName,
		Location:                 opts.Location,
		AutoShutdownDelayMinutes: 30,
		LastStateUpdated:         FixedTime,
	}
	if env.ID == "" {
		env.ID = "env-test-1"
	}
	if env.FriendlyName == "" {
		env.FriendlyName = "demo"
	}
	if env.PlanID == "" {
		env.PlanID = TestPlanID
	}
	if env.OwnerID == "" {
		env.OwnerID = TestOwnerID
	}
	if env.Type == "" {
		env.Type = models.EnvironmentStandard
	}
	if env.State == "" {
		env.State = models.StateCreated
	}
	if env.SKUName == "" {
		env.SKUName = TestSKU
	}
	if env.Location == "" {
		env.Location = TestLocation
	}
	return env
}
