// Package cluster manages the shared database clusters tests run against.
// A cluster is a set of server processes with private data directories and
// loopback listen addresses; clusters are expensive to start, so suites
// lease them from a bounded pool and reuse them across tests.
package cluster

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"testdrive/pkg/logging"
)

// Options configures a cluster factory. One factory exists per suite.
type Options struct {
	// Exe is the server executable, typically build/<mode>/server.
	Exe string
	// Vardir is the per-mode directory receiving data dirs and server logs.
	Vardir string
	// Size is the number of server processes per cluster.
	Size int
	// Port is the client port servers listen on. When non-zero the factory
	// waits for a TCP connect on it before declaring a server started.
	Port int
	// ExtraOptions are appended to every server's command line.
	ExtraOptions []string
	// ExtraConfig overrides the default server config options.
	ExtraConfig map[string]string
	// Hosts allocates listen addresses.
	Hosts *HostRegistry
	// StartTimeout bounds how long a single server may take to come up.
	StartTimeout time.Duration
}

// Default server config. Suite config overrides these; options coming from
// an individual test would override both.
var defaultConfig = map[string]string{
	"authenticator": "password",
	"authorizer":    "standard",
}

var clusterSeq atomic.Int64

// Server is one process of a cluster.
type Server struct {
	Addr    string
	DataDir string
	LogPath string

	cmd  *exec.Cmd
	wait chan error
}

// Cluster is a leased pool instance: Size server processes sharing a seed.
type Cluster struct {
	Name    string
	Servers []*Server

	opts      Options
	dirty     bool
	savepoint int64
}

// New starts a fresh cluster of opts.Size servers. It is shaped to serve as
// a pool factory.
func New(opts Options) func(ctx context.Context) (*Cluster, error) {
	return func(ctx context.Context) (*Cluster, error) {
		name := fmt.Sprintf("cluster-%d", clusterSeq.Add(1))
		c := &Cluster{Name: name, opts: opts}
		logging.Info("Cluster", "Starting cluster %s with %d server(s)", name, opts.Size)
		for i := 0; i < opts.Size; i++ {
			srv, err := c.startServer(ctx, i)
			if err != nil {
				c.Stop(ctx)
				c.releaseHosts()
				return nil, fmt.Errorf("failed to start server %d of cluster %s: %w", i, name, err)
			}
			c.Servers = append(c.Servers, srv)
		}
		return c, nil
	}
}

func (c *Cluster) startServer(ctx context.Context, idx int) (*Server, error) {
	addr, err := c.opts.Hosts.LeaseHost()
	if err != nil {
		return nil, err
	}
	dataDir := filepath.Join(c.opts.Vardir, c.Name, addr)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		c.opts.Hosts.ReleaseHost(addr)
		return nil, err
	}
	if err := c.writeConfig(dataDir, addr); err != nil {
		c.opts.Hosts.ReleaseHost(addr)
		return nil, err
	}

	logPath := filepath.Join(dataDir, "server.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		c.opts.Hosts.ReleaseHost(addr)
		return nil, err
	}
	defer logFile.Close()

	args := []string{
		"--config", filepath.Join(dataDir, "server.yaml"),
		"--listen-address", addr,
		"--data-dir", dataDir,
	}
	if len(c.Servers) > 0 {
		args = append(args, "--seeds", c.Servers[0].Addr)
	}
	args = append(args, c.opts.ExtraOptions...)

	cmd := exec.Command(c.opts.Exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group, so the whole server tree can be signalled at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		c.opts.Hosts.ReleaseHost(addr)
		return nil, err
	}

	srv := &Server{Addr: addr, DataDir: dataDir, LogPath: logPath, cmd: cmd, wait: make(chan error, 1)}
	go func() { srv.wait <- cmd.Wait() }()

	if err := c.awaitReady(ctx, srv); err != nil {
		srv.kill()
		c.opts.Hosts.ReleaseHost(addr)
		return nil, err
	}
	return srv, nil
}

func (c *Cluster) writeConfig(dataDir, addr string) error {
	cfg := make(map[string]string, len(defaultConfig)+len(c.opts.ExtraConfig)+2)
	for k, v := range defaultConfig {
		cfg[k] = v
	}
	for k, v := range c.opts.ExtraConfig {
		cfg[k] = v
	}
	cfg["cluster_name"] = c.Name
	cfg["listen_address"] = addr

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, "server.yaml"), data, 0o644)
}

// awaitReady waits for the server to accept connections, or just for the
// process to stay up briefly when no client port is configured.
func (c *Cluster) awaitReady(ctx context.Context, srv *Server) error {
	timeout := c.opts.StartTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	for {
		select {
		case err := <-srv.wait:
			srv.wait <- err
			return fmt.Errorf("server %s exited during startup: %v", srv.Addr, err)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.opts.Port == 0 {
			// No health port: a process that survived its first moments is
			// considered started.
			time.Sleep(10 * time.Millisecond)
			return nil
		}
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", srv.Addr, c.opts.Port), time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server %s not ready after %s", srv.Addr, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Endpoint returns the client address of the first server.
func (c *Cluster) Endpoint() string {
	if len(c.Servers) == 0 {
		return ""
	}
	return c.Servers[0].Addr
}

// BeforeTest verifies the cluster is usable before handing it to a test.
// A dead server process here means the cluster was broken by an earlier
// test; the caller is expected to discard it so the pool can build a
// replacement.
func (c *Cluster) BeforeTest(name string) error {
	for _, srv := range c.Servers {
		select {
		case err := <-srv.wait:
			srv.wait <- err
			return fmt.Errorf("server %s of cluster %s is down (%v)", srv.Addr, c.Name, err)
		default:
		}
	}
	logging.Debug("Cluster", "Cluster %s leased to test %s", c.Name, name)
	return nil
}

// AfterTest records whether the test left the cluster in a reusable state.
func (c *Cluster) AfterTest(name string, ok bool) {
	if !ok {
		c.dirty = true
	}
}

// SetDirty forces the cluster through the recycle path at release time.
func (c *Cluster) SetDirty() { c.dirty = true }

// IsDirty reports whether the cluster needs recycling before reuse.
func (c *Cluster) IsDirty() bool { return c.dirty }

// TakeLogSavepoint remembers the current size of the first server's log so
// ServerLog can return only output produced by the current test.
func (c *Cluster) TakeLogSavepoint() {
	if len(c.Servers) == 0 {
		return
	}
	if info, err := os.Stat(c.Servers[0].LogPath); err == nil {
		c.savepoint = info.Size()
	}
}

// ServerLog returns the first server's log output since the last savepoint.
// Used to enrich failure diagnostics.
func (c *Cluster) ServerLog() string {
	if len(c.Servers) == 0 {
		return ""
	}
	data, err := os.ReadFile(c.Servers[0].LogPath)
	if err != nil {
		return fmt.Sprintf("===Error reading server log: %v===", err)
	}
	if c.savepoint > int64(len(data)) {
		return ""
	}
	return string(data[c.savepoint:])
}

// Stop terminates all server processes, gracefully first and forcefully
// after a grace period. The data directories survive.
func (c *Cluster) Stop(ctx context.Context) error {
	for _, srv := range c.Servers {
		srv.terminate()
	}
	grace := time.After(10 * time.Second)
	for _, srv := range c.Servers {
		select {
		case err := <-srv.wait:
			srv.wait <- err
		case <-grace:
			srv.kill()
		case <-ctx.Done():
			srv.kill()
		}
	}
	return nil
}

// Recycle stops a dirty cluster and releases its listen addresses so the
// pool can build a replacement. The data dirs are kept: when the cluster
// came from a failed test they may still be wanted for analysis.
func Recycle(ctx context.Context, c *Cluster) error {
	logging.Info("Cluster", "Recycling dirty cluster %s", c.Name)
	if err := c.Stop(ctx); err != nil {
		return err
	}
	c.releaseHosts()
	return nil
}

// Uninstall stops the cluster and deletes everything it wrote to disk.
func (c *Cluster) Uninstall(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	c.releaseHosts()
	return os.RemoveAll(filepath.Join(c.opts.Vardir, c.Name))
}

func (c *Cluster) releaseHosts() {
	for _, srv := range c.Servers {
		if srv.Addr != "" {
			c.opts.Hosts.ReleaseHost(srv.Addr)
			srv.Addr = ""
		}
	}
}

func (s *Server) terminate() {
	if s.cmd.Process != nil {
		syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)
	}
}

func (s *Server) kill() {
	if s.cmd.Process != nil {
		syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		<-s.wait
		s.wait <- nil
	}
}
