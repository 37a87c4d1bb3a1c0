package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envfleet/envfleet/internal/models"
)

func testEnvironment() models.Environment {
	return models.Environment{
		ID:      "env-1",
		PlanID:  "plan-1",
		OwnerID: "alice",
		Compute: &models.ResourceRef{ResourceID: "vm-0001", Kind: models.ResourceComputeVM},
	}
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var unauthorized *UnauthorizedError
	require.True(t, errors.As(err, &unauthorized), "expected UnauthorizedError, got %v", err)
	return unauthorized.Code
}

func TestAuthorizeEnvironmentAccess(t *testing.T) {
	env := testEnvironment()
	tests := []struct {
		name           string
		identity       models.Identity
		nonOwnerScopes []string
		wantCode       string
	}{
		{name: "vm token for bound compute", identity: models.Identity{ComputeResourceID: "VM-0001"}},
		{name: "vm token for other compute", identity: models.Identity{UserID: "alice", ComputeResourceID: "vm-9"}, wantCode: CodeComputeMismatch},
		{name: "plan token", identity: models.Identity{AuthorizedPlanIDs: []string{"plan-1"}}},
		{name: "plan token for other plan", identity: models.Identity{UserID: "alice", AuthorizedPlanIDs: []string{"plan-2"}}, wantCode: CodePlanNotAuthorized},
		{name: "environment token", identity: models.Identity{AuthorizedEnvironments: []string{"env-1"}}},
		{name: "environment token for other environment", identity: models.Identity{UserID: "alice", AuthorizedEnvironments: []string{"env-2"}}, wantCode: CodeEnvironmentNotAuthorized},
		{name: "unscoped owner", identity: models.Identity{UserID: "alice"}},
		{name: "owner with write scope", identity: models.Identity{UserID: "alice", Scopes: []string{ScopeWriteEnvironments}}},
		{name: "owner without write scope", identity: models.Identity{UserID: "alice", Scopes: []string{ScopeReadEnvironments}}, wantCode: CodeMissingScope},
		{name: "non-owner", identity: models.Identity{UserID: "bob"}, wantCode: CodeNotOwner},
		{name: "non-owner with plan-wide scope", identity: models.Identity{UserID: "bob", Scopes: []string{ScopeDeleteAllInPlan}}, nonOwnerScopes: []string{ScopeDeleteAllInPlan}},
		{name: "anonymous", identity: models.Identity{}, wantCode: CodeAnonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AuthorizeEnvironmentAccess(env, tt.identity, tt.nonOwnerScopes)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantCode, codeOf(t, err))
		})
	}
}

func TestAuthorizeEnvironmentAccessCheckOrder(t *testing.T) {
	env := testEnvironment()
	// Fails both the plan and the environment check; the plan check runs first.
	err := AuthorizeEnvironmentAccess(env, models.Identity{
		AuthorizedPlanIDs:      []string{"plan-9"},
		AuthorizedEnvironments: []string{"env-9"},
	}, nil)
	assert.Equal(t, CodePlanNotAuthorized, codeOf(t, err))

	env.Compute = nil
	err = AuthorizeEnvironmentAccess(env, models.Identity{ComputeResourceID: "vm-0001", UserID: "alice"}, nil)
	assert.Equal(t, CodeComputeMismatch, codeOf(t, err))
}

func TestAuthorizePlanAccess(t *testing.T) {
	plan := models.Plan{ID: "plan-1", OwnerID: "alice"}
	tests := []struct {
		name     string
		identity models.Identity
		scopes   []string
		wantCode string
	}{
		{name: "owner", identity: models.Identity{UserID: "alice"}},
		{name: "plan token", identity: models.Identity{AuthorizedPlanIDs: []string{"plan-1"}, Scopes: []string{ScopeWritePlans}}, scopes: []string{ScopeWritePlans}},
		{name: "plan token for other plan", identity: models.Identity{AuthorizedPlanIDs: []string{"plan-2"}}, wantCode: CodePlanNotAuthorized},
		{name: "environment exclusive token", identity: models.Identity{UserID: "alice", AuthorizedEnvironments: []string{"env-1"}}, wantCode: CodeEnvironmentExclusive},
		{name: "scope mismatch", identity: models.Identity{UserID: "alice", Scopes: []string{ScopeReadEnvironments}}, scopes: []string{ScopeWritePlans}, wantCode: CodeMissingScope},
		{name: "not owner", identity: models.Identity{UserID: "bob"}, wantCode: CodeNotPlanOwner},
		{name: "anonymous", identity: models.Identity{}, wantCode: CodeAnonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AuthorizePlanAccess(plan, tt.identity, tt.scopes)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantCode, codeOf(t, err))
		})
	}
}

func TestUnauthorizedErrorMessage(t *testing.T) {
	err := &UnauthorizedError{Code: CodeNotOwner}
	assert.Equal(t, "unauthorized: v1/authz/not_owner", err.Error())
	assert.False(t, err.Anonymous())
	assert.True(t, (&UnauthorizedError{Code: CodeAnonymous}).Anonymous())
}
