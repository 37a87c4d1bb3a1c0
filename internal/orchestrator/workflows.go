package orchestrator

import "github.com/envfleet/envfleet/internal/continuation"

func (m *EnvironmentManager) registerWorkflows() {
	m.registry.Register(continuation.WorkflowCreate, continuation.WorkflowFunc(m.runCreate))
	m.registry.Register(continuation.WorkflowResume, continuation.WorkflowFunc(m.runResume))
	m.registry.Register(continuation.WorkflowShutdown, continuation.WorkflowFunc(m.runShutdown))
	m.registry.Register(continuation.WorkflowArchive, continuation.WorkflowFunc(m.runArchive))
	m.registry.Register(continuation.WorkflowExport, continuation.WorkflowFunc(m.runExport))
}
