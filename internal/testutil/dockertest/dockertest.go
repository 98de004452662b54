// Package dockertest builds and runs throwaway containers for integration
// tests. Each Container is started at most once per test binary.
package dockertest

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Container describes an image built from a Dockerfile at the repo root and
// published on a fixed host port.
type Container struct {
	Dockerfile    string
	Image         string
	Name          string
	HostPort      string
	ContainerPort string
	// Ready reports nil once the service accepts requests.
	Ready        func() error
	ReadyTimeout time.Duration

	mu       sync.Mutex
	started  bool
	setupErr error
}

// Setup builds the image, runs the container, and waits for Ready.
func (c *Container) Setup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.setupErr != nil {
		return c.setupErr
	}
	c.setupErr = c.start()
	c.started = c.setupErr == nil
	return c.setupErr
}

// Teardown stops the container if Setup started it.
func (c *Container) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return c.setupErr
	}
	if err := c.stop(); err != nil {
		return err
	}
	c.started = false
	return nil
}

func (c *Container) start() error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker executable not found: %w", err)
	}
	_ = c.stop()
	root := RepoRoot()
	if err := runDocker("build", "-f", filepath.Join(root, c.Dockerfile), "-t", c.Image, root); err != nil {
		return err
	}
	if err := runDocker("run", "-d", "--rm", "--name", c.Name, "-p", c.HostPort+":"+c.ContainerPort, c.Image); err != nil {
		return err
	}
	return c.waitReady()
}

func (c *Container) waitReady() error {
	if c.Ready == nil {
		return nil
	}
	timeout := c.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = c.Ready(); lastErr == nil {
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}
	return errors.Join(fmt.Errorf("%s did not become ready in %s", c.Name, timeout), lastErr)
}

func (c *Container) stop() error {
	cmd := exec.Command("docker", "stop", c.Name)
	cmd.Dir = RepoRoot()
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "No such container") {
			return nil
		}
		return fmt.Errorf("docker stop failed: %w: %s", err, output)
	}
	return nil
}

func runDocker(args ...string) error {
	cmd := exec.Command("docker", args...)
	cmd.Dir = RepoRoot()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker %s failed: %w: %s", args[0], err, output)
	}
	return nil
}

// RepoRoot returns the module root, where the test Dockerfiles live.
func RepoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
}
