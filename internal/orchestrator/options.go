package orchestrator

import (
	"time"

	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/internal/decompose"
	"github.com/ShayCichocki/conclave/internal/logging"
	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/repocontext"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/internal/worker"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// RepoPath is the repository the workspace is prepared from.
	RepoPath string
	// Spawner starts worker processes.
	Spawner worker.Spawner
	// Store persists the queue, the transparency log and run records.
	Store *state.DB
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	config      *config.Config
	logger      *logging.Logger
	provider    repocontext.Provider
	gate        ApprovalGate
	decomposer  *decompose.Decomposer
	metrics     *metrics.Metrics
	roles       RoleTemplates
	eventBuffer int
	now         func() time.Time
}

// WithConfig sets the loaded configuration. Defaults apply otherwise.
func WithConfig(c *config.Config) Option {
	return func(o *orchestratorOptions) { o.config = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithProvider sets the repository-context provider.
func WithProvider(p repocontext.Provider) Option {
	return func(o *orchestratorOptions) { o.provider = p }
}

// WithApprovalGate sets the gate plans pass through before execution.
func WithApprovalGate(g ApprovalGate) Option {
	return func(o *orchestratorOptions) { o.gate = g }
}

// WithDecomposer sets a custom task decomposer (mainly for testing).
func WithDecomposer(d *decompose.Decomposer) Option {
	return func(o *orchestratorOptions) { o.decomposer = d }
}

// WithMetrics sets the prometheus collectors to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// WithRoles sets the role templates used for session context.
func WithRoles(r RoleTemplates) Option {
	return func(o *orchestratorOptions) { o.roles = r }
}

// WithEventBuffer sets the size of the event channel.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) { o.eventBuffer = n }
}

// WithClock overrides time.Now (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}
