// Package workspace is the contract for the collaboration session provider
// that fronts each environment, plus an in-memory Registry.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/envfleet/envfleet/internal/models"
)

// ErrSessionNotFound is returned when the provider has no such session.
var ErrSessionNotFound = errors.New("workspace session not found")

// SessionRequest describes the session to create for an environment.
type SessionRequest struct {
	EnvironmentType models.EnvironmentType
	EnvironmentID   string
	ComputeID       string
	ServiceURI      string
	SessionPath     string
	Identity        models.Identity
}

// SessionStatus is the provider's view of a session. HostConnected is nil
// until the host has reported in at least once.
type SessionStatus struct {
	SessionID     string
	HostConnected *bool
}

// Provider creates, inspects and deletes sessions.
type Provider interface {
	CreateSession(ctx context.Context, req SessionRequest) (models.Connection, error)
	GetStatus(ctx context.Context, sessionID string) (SessionStatus, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Registry is an in-memory Provider.
type Registry struct {
	mu        sync.Mutex
	baseURI   string
	sessions  map[string]*session
	createErr error
	deleteErr error
	created   int
	deleteLog []string
}

type session struct {
	req           SessionRequest
	hostConnected *bool
}

// NewRegistry returns a Registry whose service URIs hang off baseURI.
func NewRegistry(baseURI string) *Registry {
	return &Registry{
		baseURI:  strings.TrimRight(baseURI, "/"),
		sessions: make(map[string]*session),
	}
}

func (r *Registry) CreateSession(_ context.Context, req SessionRequest) (models.Connection, error) {
	if strings.TrimSpace(req.EnvironmentID) == "" {
		return models.Connection{}, errors.New("environment id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	if r.createErr != nil {
		return models.Connection{}, r.createErr
	}
	id := uuid.NewString()
	r.sessions[id] = &session{req: req}
	serviceURI := req.ServiceURI
	if serviceURI == "" {
		serviceURI = r.baseURI
	}
	path := req.SessionPath
	if path == "" {
		path = "/sessions/" + id
	}
	return models.Connection{
		SessionID:   id,
		SessionPath: path,
		WorkspaceID: "ws-" + req.EnvironmentID,
		ComputeID:   req.ComputeID,
		ServiceURI:  serviceURI,
	}, nil
}

func (r *Registry) GetStatus(_ context.Context, sessionID string) (SessionStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return SessionStatus{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	status := SessionStatus{SessionID: sessionID}
	if s.hostConnected != nil {
		v := *s.hostConnected
		status.HostConnected = &v
	}
	return status, nil
}

func (r *Registry) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLog = append(r.deleteLog, sessionID)
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.sessions[sessionID]; !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	delete(r.sessions, sessionID)
	return nil
}

// SetHostConnected records the host connectivity reported for a session.
func (r *Registry) SetHostConnected(sessionID string, connected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	s.hostConnected = &connected
	return nil
}

// FailCreate makes CreateSession fail with err. A nil err clears it.
func (r *Registry) FailCreate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createErr = err
}

// FailDelete makes DeleteSession fail with err. A nil err clears it.
func (r *Registry) FailDelete(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteErr = err
}

// Exists reports whether the session is live.
func (r *Registry) Exists(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// CreateCount returns how many sessions were requested.
func (r *Registry) CreateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// DeleteCalls returns the session ids DeleteSession was called with.
func (r *Registry) DeleteCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleteLog...)
}
