// Package guard holds the pure authorization checks and quota arithmetic
// consulted before any environment is allocated or touched.
package guard

import (
	"fmt"
	"strings"

	"github.com/envfleet/envfleet/internal/models"
)

const codeVersion = "v1"

// Stable authorization error codes. Each check in the fixed evaluation
// order has its own code.
const (
	CodeComputeMismatch          = codeVersion + "/authz/compute_mismatch"
	CodePlanNotAuthorized        = codeVersion + "/authz/plan_not_authorized"
	CodeEnvironmentNotAuthorized = codeVersion + "/authz/environment_not_authorized"
	CodeEnvironmentExclusive     = codeVersion + "/authz/environment_exclusive_token"
	CodeMissingScope             = codeVersion + "/authz/missing_scope"
	CodeNotOwner                 = codeVersion + "/authz/not_owner"
	CodeNotPlanOwner             = codeVersion + "/authz/not_plan_owner"
	CodeAnonymous                = codeVersion + "/authz/anonymous"
)

// Scopes understood by the guard.
const (
	ScopeWriteEnvironments = "write:environments"
	ScopeReadEnvironments  = "read:environments"
	ScopeWritePlans        = "write:plans"
	ScopeReadAllInPlan     = "read:allenvironments"
	ScopeWriteAllInPlan    = "write:allenvironments"
	ScopeDeleteAllInPlan   = "delete:allenvironments"
)

// UnauthorizedError is returned when a check denies access. Code is stable
// and maps to 401 for CodeAnonymous and 403 otherwise.
type UnauthorizedError struct {
	Code   string
	Detail string
}

func (e *UnauthorizedError) Error() string {
	if e.Detail == "" {
		return "unauthorized: " + e.Code
	}
	return fmt.Sprintf("unauthorized: %s: %s", e.Code, e.Detail)
}

// Anonymous reports whether the denial was for a missing identity.
func (e *UnauthorizedError) Anonymous() bool {
	return e.Code == CodeAnonymous
}

func deny(code, format string, args ...any) error {
	return &UnauthorizedError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AuthorizeEnvironmentAccess decides whether id may act on env. Checks run
// in order: VM token, plan token, environment token, then owner with write
// scope or any of nonOwnerScopes. The first failing check decides the code.
func AuthorizeEnvironmentAccess(env models.Environment, id models.Identity, nonOwnerScopes []string) error {
	if id.ComputeResourceID != "" {
		if env.Compute != nil && strings.EqualFold(env.Compute.ResourceID, id.ComputeResourceID) {
			return nil
		}
		return deny(CodeComputeMismatch, "token is bound to compute %s", id.ComputeResourceID)
	}
	if len(id.AuthorizedPlanIDs) > 0 {
		if containsFold(id.AuthorizedPlanIDs, env.PlanID) {
			return nil
		}
		return deny(CodePlanNotAuthorized, "plan %s", env.PlanID)
	}
	if len(id.AuthorizedEnvironments) > 0 {
		if containsFold(id.AuthorizedEnvironments, env.ID) {
			return nil
		}
		return deny(CodeEnvironmentNotAuthorized, "environment %s", env.ID)
	}
	if strings.TrimSpace(id.UserID) == "" {
		return deny(CodeAnonymous, "no caller identity")
	}
	isOwner := strings.EqualFold(id.UserID, env.OwnerID)
	if isOwner && (id.Scopes == nil || id.HasScope(ScopeWriteEnvironments)) {
		return nil
	}
	for _, scope := range nonOwnerScopes {
		if id.HasScope(scope) {
			return nil
		}
	}
	if isOwner {
		return deny(CodeMissingScope, "requires %s", ScopeWriteEnvironments)
	}
	return deny(CodeNotOwner, "environment %s", env.ID)
}

// AuthorizePlanAccess decides whether id may act on plan with one of
// requiredScopes. Checks run in order: plan token, environment
// exclusivity, scope match, then ownership.
func AuthorizePlanAccess(plan models.Plan, id models.Identity, requiredScopes []string) error {
	planToken := len(id.AuthorizedPlanIDs) > 0
	if planToken && !containsFold(id.AuthorizedPlanIDs, plan.ID) {
		return deny(CodePlanNotAuthorized, "plan %s", plan.ID)
	}
	if len(id.AuthorizedEnvironments) > 0 {
		return deny(CodeEnvironmentExclusive, "token is limited to specific environments")
	}
	if id.Scopes != nil && len(requiredScopes) > 0 {
		matched := false
		for _, scope := range requiredScopes {
			if id.HasScope(scope) {
				matched = true
				break
			}
		}
		if !matched {
			return deny(CodeMissingScope, "requires one of %s", strings.Join(requiredScopes, ","))
		}
	}
	if planToken {
		return nil
	}
	if strings.TrimSpace(id.UserID) == "" {
		return deny(CodeAnonymous, "no caller identity")
	}
	if plan.OwnerID != "" && !strings.EqualFold(plan.OwnerID, id.UserID) {
		return deny(CodeNotPlanOwner, "plan %s", plan.ID)
	}
	return nil
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
