package main

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyReady(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.NoError(t, notifyReady())

	sock := filepath.Join(t.TempDir(), "notify.sock")
	pc, err := net.ListenPacket("unixgram", sock)
	require.NoError(t, err)
	defer pc.Close()

	t.Setenv("NOTIFY_SOCKET", sock)
	require.NoError(t, notifyReady())

	buf := make([]byte, 64)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, sdNotifyReady, string(buf[:n]))

	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "missing.sock"))
	assert.Error(t, notifyReady())
}
