package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// ContainerURL starts a disposable PostgreSQL container and returns its
// connection string. The container is shared by every test in the process
// and reaped by the testcontainers sidecar when the process exits. Tests
// are skipped when no container runtime is available.
func ContainerURL(t *testing.T) string {
	t.Helper()

	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("spendgate_test"),
			tcpostgres.WithUsername("spendgate"),
			tcpostgres.WithPassword("spendgate"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerURL, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
		if containerErr != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
	})

	if containerErr != nil {
		t.Skipf("postgres container unavailable, skipping integration test: %v", containerErr)
	}
	return containerURL
}
