package orchestrator

import (
	"errors"
	"net/http"

	"github.com/envfleet/envfleet/internal/models"
)

var (
	// ErrUnsupportedState is returned when an operation cannot proceed from
	// the environment's current bindings, such as a resume callback that
	// arrives before any replacement storage exists.
	ErrUnsupportedState = errors.New("unsupported environment state")
	// ErrRetriesExhausted is returned when optimistic concurrency conflicts
	// persist past the retry bound.
	ErrRetriesExhausted = errors.New("conflict retries exhausted")
)

// MessageCode is the machine-readable reason carried on a Result.
type MessageCode string

const (
	MessageNone                          MessageCode = ""
	MessageInvalidRequest                MessageCode = "InvalidRequest"
	MessageEnvironmentNotFound           MessageCode = "EnvironmentNotFound"
	MessageEnvironmentNameAlreadyExists  MessageCode = "EnvironmentNameAlreadyExists"
	MessageExceededQuota                 MessageCode = "ExceededQuota"
	MessageEnvironmentNotShutdown        MessageCode = "EnvironmentNotShutdown"
	MessageEnvironmentModified           MessageCode = "EnvironmentModifiedConcurrently"
	MessageEnvironmentNotAvailable       MessageCode = "EnvironmentNotAvailable"
	MessageEnvironmentStateInvalid       MessageCode = "EnvironmentStateInvalid"
	MessageStaticEnvironmentNotSupported MessageCode = "StaticEnvironmentNotSupported"
	MessageSubscriptionIsBanned          MessageCode = "SubscriptionIsBanned"
	MessageSubscriptionNotRegistered     MessageCode = "SubscriptionStateIsNotRegistered"
	MessagePlanMismatch                  MessageCode = "PlanMismatch"
	MessageInvalidSKU                    MessageCode = "InvalidSku"
	MessageSKUNotAvailableInLocation     MessageCode = "SkuNotAvailableInLocation"
	MessageInvalidSKUChange              MessageCode = "InvalidSkuChange"
	MessageInvalidAutoShutdownDelay      MessageCode = "InvalidAutoShutdownDelay"
	MessageLocationChangeNotAllowed      MessageCode = "LocationChangeNotAllowed"
	MessageWindowsResumeDisabled         MessageCode = "WindowsResumeDisabled"
	MessageUnableToAllocateResources     MessageCode = "UnableToAllocateResources"
	MessageUnauthorized                  MessageCode = "Unauthorized"
	MessageForbidden                     MessageCode = "Forbidden"
	MessageInternalError                 MessageCode = "InternalServerError"
)

// statusFor is the HTTP-style status a lone message code maps to.
func statusFor(code MessageCode) int {
	switch code {
	case MessageNone:
		return http.StatusOK
	case MessageEnvironmentNotFound:
		return http.StatusNotFound
	case MessageUnauthorized:
		return http.StatusUnauthorized
	case MessageEnvironmentNameAlreadyExists, MessageEnvironmentModified:
		return http.StatusConflict
	case MessageForbidden, MessageExceededQuota, MessageSubscriptionIsBanned, MessageSubscriptionNotRegistered, MessageWindowsResumeDisabled:
		return http.StatusForbidden
	case MessageUnableToAllocateResources:
		return http.StatusServiceUnavailable
	case MessageInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Result is what every public orchestrator operation returns. Environment
// is the latest known copy, when there is one. Details lists every
// validation failure when more than one rule rejected the request.
type Result struct {
	Environment *models.Environment
	StatusCode  int
	MessageCode MessageCode
	Details     []MessageCode
}

// OK reports a 2xx status.
func (r Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// UserError reports a 4xx status.
func (r Result) UserError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

func success(status int, env models.Environment) Result {
	return Result{Environment: &env, StatusCode: status}
}

func failure(code MessageCode, env *models.Environment) Result {
	var copied *models.Environment
	if env != nil {
		c := env.Clone()
		copied = &c
	}
	return Result{Environment: copied, StatusCode: statusFor(code), MessageCode: code}
}

func failures(codes []MessageCode, env *models.Environment) Result {
	r := failure(codes[0], env)
	r.Details = append([]MessageCode(nil), codes...)
	return r
}

// resultError folds a Result into an error for span status.
func resultError(r Result) error {
	if r.StatusCode < 500 {
		return nil
	}
	return errors.New(string(r.MessageCode))
}
