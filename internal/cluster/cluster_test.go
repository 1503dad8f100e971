package cluster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// fakeServer is a stand-in server binary that just stays up.
func fakeServer(t *testing.T) string {
	t.Helper()
	exe := filepath.Join(t.TempDir(), "server")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nsleep 60\n"), 0o755))
	return exe
}

func startCluster(t *testing.T, size int) (*Cluster, string) {
	t.Helper()
	vardir := t.TempDir()
	factory := New(Options{
		Exe:          fakeServer(t),
		Vardir:       vardir,
		Size:         size,
		Hosts:        NewHostRegistry(),
		StartTimeout: 10 * time.Second,
	})
	c, err := factory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c, vardir
}

func TestClusterStartsRequestedServers(t *testing.T) {
	c, vardir := startCluster(t, 2)
	require.Len(t, c.Servers, 2)
	assert.Equal(t, c.Servers[0].Addr, c.Endpoint())
	assert.NotEqual(t, c.Servers[0].Addr, c.Servers[1].Addr)

	// Each server got a private data dir with a rendered config.
	for _, srv := range c.Servers {
		data, err := os.ReadFile(filepath.Join(srv.DataDir, "server.yaml"))
		require.NoError(t, err)
		var cfg map[string]string
		require.NoError(t, yaml.Unmarshal(data, &cfg))
		assert.Equal(t, c.Name, cfg["cluster_name"])
		assert.Equal(t, srv.Addr, cfg["listen_address"])
		assert.Equal(t, "password", cfg["authenticator"])
	}
	assert.Equal(t, vardir, filepath.Dir(filepath.Dir(c.Servers[0].DataDir)))
}

func TestExtraConfigOverridesDefaults(t *testing.T) {
	vardir := t.TempDir()
	factory := New(Options{
		Exe:          fakeServer(t),
		Vardir:       vardir,
		Size:         1,
		Hosts:        NewHostRegistry(),
		ExtraConfig:  map[string]string{"authenticator": "allow_all"},
		StartTimeout: 10 * time.Second,
	})
	c, err := factory(context.Background())
	require.NoError(t, err)
	defer c.Stop(context.Background())

	data, err := os.ReadFile(filepath.Join(c.Servers[0].DataDir, "server.yaml"))
	require.NoError(t, err)
	var cfg map[string]string
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "allow_all", cfg["authenticator"])
}

func TestBeforeTestDetectsDeadServer(t *testing.T) {
	c, _ := startCluster(t, 1)
	require.NoError(t, c.BeforeTest("sh.aa_test.1"))

	require.NoError(t, c.Stop(context.Background()))
	err := c.BeforeTest("sh.bb_test.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is down")
}

func TestDirtyTracking(t *testing.T) {
	c, _ := startCluster(t, 1)
	assert.False(t, c.IsDirty())
	c.AfterTest("sh.aa_test.1", true)
	assert.False(t, c.IsDirty())
	c.AfterTest("sh.bb_test.1", false)
	assert.True(t, c.IsDirty())
}

func TestServerLogSavepoint(t *testing.T) {
	c, _ := startCluster(t, 1)
	logPath := c.Servers[0].LogPath
	require.NoError(t, os.WriteFile(logPath, []byte("startup noise\n"), 0o644))

	c.TakeLogSavepoint()
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("test output\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, "test output\n", c.ServerLog())
}

func TestUninstallRemovesDataDirs(t *testing.T) {
	c, vardir := startCluster(t, 1)
	clusterDir := filepath.Join(vardir, c.Name)
	_, err := os.Stat(clusterDir)
	require.NoError(t, err)

	require.NoError(t, c.Uninstall(context.Background()))
	_, err = os.Stat(clusterDir)
	assert.True(t, os.IsNotExist(err))
}

func TestRecycleReleasesHosts(t *testing.T) {
	hosts := NewHostRegistry()
	factory := New(Options{
		Exe:          fakeServer(t),
		Vardir:       t.TempDir(),
		Size:         1,
		Hosts:        hosts,
		StartTimeout: 10 * time.Second,
	})
	c, err := factory(context.Background())
	require.NoError(t, err)
	leased := c.Servers[0].Addr

	require.NoError(t, Recycle(context.Background(), c))
	next, err := hosts.LeaseHost()
	require.NoError(t, err)
	assert.Equal(t, leased, next)
}
