package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dostini/gossip-glomers/pkg/config"
)

func execute(t *testing.T, args []string) *config.Config {
	t.Helper()

	var got *config.Config
	cmd := NewRootCmd("test", "test node", func(_ context.Context, env *Env) error {
		got = env.Config
		return nil
	})
	cmd.SetArgs(args)

	require.NoError(t, cmd.Execute())
	require.NotNil(t, got)
	return got
}

func TestDefaults(t *testing.T) {
	conf := execute(t, nil)

	assert.Equal(t, config.DefaultLogLevel, conf.LogLevel)
	assert.Equal(t, config.DefaultGossipInterval, conf.GossipInterval)
	assert.Equal(t, config.DefaultGossipMode, conf.GossipMode)
	assert.Equal(t, config.DefaultKVService, conf.KVService)
	assert.Empty(t, conf.MetricsListen)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	conf := execute(t, []string{"--gossip-interval", "250ms", "--gossip-mode", "full", "--max-in-flight", "8"})

	assert.Equal(t, 250*time.Millisecond, conf.GossipInterval)
	assert.Equal(t, "full", conf.GossipMode)
	assert.EqualValues(t, 8, conf.MaxInFlight)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("GLOMERS_KV_SERVICE", "lin-kv")

	conf := execute(t, nil)
	assert.Equal(t, "lin-kv", conf.KVService)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "glomers.yaml"),
		[]byte("rpc-timeout: 3s\nlog-level: debug\n"), 0o600))

	conf := execute(t, []string{"--config-dir", dir, "--log-level", "warn"})

	assert.Equal(t, 3*time.Second, conf.RPCTimeout)
	assert.Equal(t, "warn", conf.LogLevel, "flags win over the file")
}

func TestMissingConfigFileIsFine(t *testing.T) {
	conf := execute(t, []string{"--config-dir", t.TempDir()})
	assert.Equal(t, config.DefaultRPCTimeout, conf.RPCTimeout)
}
