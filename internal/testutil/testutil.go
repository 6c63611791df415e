// Package testutil provides shared test infrastructure: a temp-file
// SQLite store with migrations applied, a quiet logger, and an optional
// Qdrant container for integration tests.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fencio-dev/prism/internal/storage"
	"github.com/fencio-dev/prism/migrations"
)

// NewStore opens a WAL-mode SQLite store in a per-test temp directory
// and applies all migrations. The store is closed on test cleanup.
func NewStore(t *testing.T) *storage.DB {
	t.Helper()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prism.db")
	db, err := storage.Open(ctx, path, TestLogger())
	if err != nil {
		t.Fatalf("testutil: open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("testutil: run migrations: %v", err)
	}
	return db
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// QdrantContainer wraps a running Qdrant container for integration tests.
type QdrantContainer struct {
	Container testcontainers.Container
	URL       string
}

// StartQdrant launches a Qdrant container, skipping the test when
// Docker is unavailable.
func StartQdrant(t *testing.T) *QdrantContainer {
	t.Helper()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:latest",
		ExposedPorts: []string{"6333/tcp", "6334/tcp"},
		WaitingFor: wait.ForListeningPort("6334/tcp").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("testutil: docker unavailable, skipping qdrant test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6334")
	if err != nil {
		t.Fatalf("testutil: container port: %v", err)
	}

	return &QdrantContainer{
		Container: container,
		URL:       fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
}
