// Package testutil provides shared helpers for integration tests that need
// a real Postgres instance: detecting an available container runtime and
// probing whether a database is reachable.
package testutil

import (
	"context"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ContainerRuntime returns "docker" or "podman" if one is on PATH, or "" if
// neither is available (the caller should skip rather than fail).
func ContainerRuntime() string {
	if _, err := exec.LookPath("docker"); err == nil {
		return "docker"
	}
	if _, err := exec.LookPath("podman"); err == nil {
		return "podman"
	}
	return ""
}

// TryPing reports whether dsn is reachable within a short deadline.
func TryPing(dsn string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return false
	}
	defer pool.Close()
	return pool.Ping(ctx) == nil
}
