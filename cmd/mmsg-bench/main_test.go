package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/slackhq/mmsg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEcho(t *testing.T) *net.UDPAddr {
	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { uc.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := uc.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			_, _ = uc.WriteToUDPAddrPort(buf[:n], from)
		}
	}()

	return uc.LocalAddr().(*net.UDPAddr)
}

func TestBench(t *testing.T) {
	o := options{
		target:  startEcho(t),
		senders: 2,
		batch:   8,
		count:   32,
		size:    64,
		idle:    time.Second,
	}

	res, err := bench(context.Background(), test.NewLogger(), o)
	require.NoError(t, err)
	assert.Equal(t, int64(64), res.sent.Load())

	// Loopback may still drop under pressure, anything echoed must have been sent
	assert.LessOrEqual(t, res.echoed.Load(), res.sent.Load())
	assert.NotZero(t, res.echoed.Load())
}

func TestBench_NoService(t *testing.T) {
	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	target := uc.LocalAddr().(*net.UDPAddr)
	uc.Close()

	o := options{target: target, senders: 1, batch: 4, count: 4, size: 8, idle: 100 * time.Millisecond}
	res, _ := bench(context.Background(), test.NewLogger(), o)
	assert.Zero(t, res.echoed.Load())
}
