// Package postgrescontainer provides the PostgreSQL server used by
// integration tests. Set TAGCACHE_TEST_POSTGRES_DSN to reuse a running
// database instead of starting a container.
package postgrescontainer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/adeilh/tagcache/internal/testutil/dockertest"
	_ "github.com/lib/pq"
)

const (
	hostPort = "55432"
	user     = "tagcache"
	password = "secret"
	dbName   = "tagcache_test"
)

var container = &dockertest.Container{
	Dockerfile:    "Dockerfile.postgres.test",
	Image:         "tagcache-postgres-test",
	Name:          "tagcache-postgres-test",
	HostPort:      hostPort,
	ContainerPort: "5432",
	ReadyTimeout:  15 * time.Second,
	Ready:         func() error { return ping(DSN()) },
}

// Addr returns host:port for connecting to the test Postgres instance.
func Addr() string { return "127.0.0.1:" + hostPort }

// DSN returns a lib/pq formatted connection string.
func DSN() string {
	if dsn := os.Getenv("TAGCACHE_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, Addr(), dbName)
}

// Setup builds and launches the Postgres container if it isn't already running.
func Setup() error {
	if os.Getenv("TAGCACHE_TEST_POSTGRES_DSN") != "" {
		return ping(DSN())
	}
	return container.Setup()
}

// Teardown stops the container launched by Setup.
func Teardown() error {
	if os.Getenv("TAGCACHE_TEST_POSTGRES_DSN") != "" {
		return nil
	}
	return container.Teardown()
}

func ping(dsn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}
