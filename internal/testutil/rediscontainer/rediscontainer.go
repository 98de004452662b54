// Package rediscontainer provides the Redis server used by integration
// tests. Set TAGCACHE_TEST_REDIS_ADDR to reuse a running server instead of
// starting a container.
package rediscontainer

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/adeilh/tagcache/internal/testutil/dockertest"
)

const hostPort = "6390"

var container = &dockertest.Container{
	Dockerfile:    "Dockerfile.redis.test",
	Image:         "tagcache-redis-test",
	Name:          "tagcache-redis-test",
	HostPort:      hostPort,
	ContainerPort: "6379",
	ReadyTimeout:  5 * time.Second,
	Ready:         func() error { return ping(Addr()) },
}

// Addr exposes the Redis host:port combination used by integration tests.
func Addr() string {
	if addr := os.Getenv("TAGCACHE_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:" + hostPort
}

// Setup makes sure a Redis server answers PING at Addr.
func Setup() error {
	if os.Getenv("TAGCACHE_TEST_REDIS_ADDR") != "" {
		return ping(Addr())
	}
	return container.Setup()
}

// Teardown stops the container started by Setup.
func Teardown() error {
	if os.Getenv("TAGCACHE_TEST_REDIS_ADDR") != "" {
		return nil
	}
	return container.Teardown()
}

func ping(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("*1\r\n$4\r\nPING\r\n")); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.Contains(line, "PONG") {
		return errors.New("redis did not answer PONG: " + strings.TrimSpace(line))
	}
	return nil
}
