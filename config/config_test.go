package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/mmsg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	c := NewC(l)
	require.ErrorIs(t, c.Load(filepath.Join(dir, "missing.yml")), os.ErrNotExist)
	assert.EqualError(t, c.Load(dir), "no config files found at "+dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yml"), []byte("listen:\n  port: 4242\n  host: 0.0.0.0\nlist: [a]\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yaml"), []byte("listen:\n  port: 5353\nlist: [b]\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("listen: nope"), 0644))

	c = NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Len(t, c.Files(), 2)

	expected := map[string]any{
		"listen": map[string]any{
			"port": 5353,
			"host": "0.0.0.0",
		},
		"list": []any{"b", "a"},
	}
	assert.Equal(t, expected, c.Settings)

	// A file named directly is loaded whatever its extension
	c = NewC(l)
	require.NoError(t, c.Load(filepath.Join(dir, "ignored.txt")))
	assert.Equal(t, "nope", c.GetString("listen", ""))
}

func TestConfig_LoadString(t *testing.T) {
	c := NewC(test.NewLogger())
	assert.EqualError(t, c.LoadString(""), "empty configuration")
	assert.Error(t, c.LoadString(" invalid yaml"))

	require.NoError(t, c.LoadString("listen:\n  batch: 32"))
	assert.Equal(t, 32, c.GetInt("listen.batch", 64))
}

func TestConfig_Get(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["listen"] = map[string]any{"host": "::"}
	assert.Equal(t, "::", c.Get("listen.host"))
	assert.True(t, c.IsSet("listen.host"))

	inner := []map[string]any{{"port": "1"}}
	c.Settings["listen"] = map[string]any{"extra": inner}
	assert.EqualValues(t, inner, c.Get("listen.extra"))

	assert.Nil(t, c.Get("listen.nope"))
	assert.Nil(t, c.Get("listen.extra.port"))
	assert.False(t, c.IsSet("nope"))
}

func TestConfig_GetTyped(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
stats:
  interval: 10s
  type: graphite
  bad_interval: soon
listen:
  port: "4243"
  routines: nope
  hosts: [a, 1]
`))

	assert.Equal(t, 10*time.Second, c.GetDuration("stats.interval", time.Second))
	assert.Equal(t, time.Second, c.GetDuration("stats.bad_interval", time.Second))
	assert.Equal(t, time.Minute, c.GetDuration("stats.missing", time.Minute))

	assert.Equal(t, "graphite", c.GetString("stats.type", "none"))
	assert.Equal(t, "none", c.GetString("stats.missing", "none"))

	assert.Equal(t, 4243, c.GetInt("listen.port", 0))
	assert.Equal(t, 1, c.GetInt("listen.routines", 1))

	assert.Equal(t, []string{"a", "1"}, c.GetStringSlice("listen.hosts", nil))
	assert.Equal(t, []string{"x"}, c.GetStringSlice("listen.port", []string{"x"}))
}

func TestConfig_GetIntRange(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("listen:\n  batch: 2048\n  routines: 4"))

	assert.Equal(t, 64, c.GetIntRange("listen.batch", 64, 1, 1024))
	assert.Equal(t, 4, c.GetIntRange("listen.routines", 1, 1, 64))
	assert.Equal(t, 9001, c.GetIntRange("listen.mtu", 9001, 1, 65535))
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(test.NewLogger())

	for v, expected := range map[any]bool{
		true:    true,
		"true":  true,
		false:   false,
		"false": false,
		"Y":     true,
		"yEs":   true,
		"N":     false,
		"nO":    false,
	} {
		c.Settings["bool"] = v
		assert.Equal(t, expected, c.GetBool("bool", !expected), "value %v", v)
	}

	c.Settings["bool"] = "maybe"
	assert.True(t, c.GetBool("bool", true))
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()

	// No reload has occurred
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))
	assert.True(t, c.InitialLoad())

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("listen:\n  read_buffer: 1024"))
	assert.False(t, c.HasChanged("listen.read_buffer"))

	called := 0
	c.RegisterReloadCallback(func(c *C) {
		called++
	})

	require.NoError(t, c.ReloadConfigString("listen:\n  read_buffer: 2048"))
	assert.Equal(t, 1, called)
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("listen.read_buffer"))
	assert.True(t, c.HasChanged("listen"))
	assert.False(t, c.HasChanged("stats"))

	// Callbacks do not run for a config that failed to load
	assert.Error(t, c.ReloadConfigString(""))
	assert.Equal(t, 1, called)
}

func TestConfig_ReloadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644))

	c := NewC(test.NewLogger())
	require.NoError(t, c.Load(path))

	done := make(chan string, 1)
	c.RegisterReloadCallback(func(c *C) {
		done <- c.GetString("logging.level", "")
	})

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))
	c.ReloadConfig()

	select {
	case lvl := <-done:
		assert.Equal(t, "debug", lvl)
	case <-time.After(time.Second):
		t.Fatal("reload callback did not run")
	}
	assert.True(t, c.HasChanged("logging.level"))

	// A broken file keeps the old settings
	require.NoError(t, os.WriteFile(path, []byte(":\n\t- nope"), 0644))
	c.ReloadConfig()
	assert.Equal(t, "debug", c.GetString("logging.level", ""))
	assert.Empty(t, done)
}

func TestConfig_CatchHUP(t *testing.T) {
	c := NewC(test.NewLogger())

	// Nothing to reload from
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.CatchHUP(ctx)
}
