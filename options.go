package prism

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port              int
	dbPath            string
	dataPlaneTarget   string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
}

// WithPort overrides the TCP port from config (PRISM_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDBPath overrides the SQLite store path from config (PRISM_DB_PATH
// env var).
func WithDBPath(path string) Option {
	return func(o *resolvedOptions) { o.dbPath = path }
}

// WithDataPlaneTarget overrides the decision service gRPC endpoint from
// config (PRISM_DATAPLANE_TARGET env var).
func WithDataPlaneTarget(target string) Option {
	return func(o *resolvedOptions) { o.dataPlaneTarget = target }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint
// and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the config-selected embedding backend
// (Ollama/OpenAI/noop). Only the last call wins.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}
