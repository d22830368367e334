package mmsg

import (
	"fmt"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/mmsg/config"
	"github.com/slackhq/mmsg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

const echoConfig = `
listen:
  host: 127.0.0.1
  port: 0
  routines: 2
  batch: 8
  mtu: 1500
executor:
  workers: 2
logging:
  level: error
`

func TestMain_Echo(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(echoConfig))

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)

	addrs := ctrl.Addrs()
	require.Len(t, addrs, 2)
	assert.Equal(t, addrs[0].Port(), addrs[1].Port(), "routines share one port")

	messages := metrics.GetOrRegisterCounter("echo.messages", nil)
	before := messages.Count()

	ctrl.Start()
	defer ctrl.Stop()

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer uc.Close()
	pc := ipv4.NewPacketConn(uc)

	dst := net.UDPAddrFromAddrPort(addrs[0])
	const count = 5
	out := make([]ipv4.Message, count)
	for i := range out {
		out[i] = ipv4.Message{Buffers: [][]byte{[]byte(fmt.Sprintf("ping %d", i))}, Addr: dst}
	}

	sent := 0
	for sent < count {
		n, err := pc.WriteBatch(out[sent:], 0)
		require.NoError(t, err)
		sent += n
	}

	require.NoError(t, uc.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got []string
	for len(got) < count {
		in := make([]ipv4.Message, count)
		for i := range in {
			in[i].Buffers = [][]byte{make([]byte, 64)}
		}

		n, err := pc.ReadBatch(in, 0)
		require.NoError(t, err)
		for _, m := range in[:n] {
			assert.Equal(t, dst.String(), m.Addr.String())
			got = append(got, string(m.Buffers[0][:m.N]))
		}
	}

	sort.Strings(got)
	assert.Equal(t, []string{"ping 0", "ping 1", "ping 2", "ping 3", "ping 4"}, got)
	assert.GreaterOrEqual(t, messages.Count()-before, int64(count))
}

func TestMain_ConfigTest(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(echoConfig))

	ctrl, err := Main(c, true, "test", l)
	require.NoError(t, err)
	assert.Nil(t, ctrl.r)
	assert.Empty(t, ctrl.Addrs())

	// A tested config has nothing running, starting and stopping it is harmless
	assert.NotPanics(t, ctrl.Start)
	assert.NotPanics(t, ctrl.Stop)
}

func TestMain_BadConfig(t *testing.T) {
	l := test.NewLogger()

	c := config.NewC(l)
	require.NoError(t, c.LoadString("logging:\n  format: xml\n"))
	_, err := Main(c, false, "test", l)
	assert.ErrorContains(t, err, "Failed to configure the logger")

	c = config.NewC(l)
	require.NoError(t, c.LoadString("listen:\n  host: not-an-ip\n"))
	_, err = Main(c, false, "test", l)
	assert.ErrorContains(t, err, "Failed to open udp listener")

	c = config.NewC(l)
	require.NoError(t, c.LoadString("listen:\n  host: 127.0.0.1\n  port: 0\nstats:\n  type: carrier-pigeon\n  interval: 10s\n"))
	_, err = Main(c, false, "test", l)
	assert.ErrorContains(t, err, "stats.type was not understood")
}

func TestMain_ReloadWarnsOnRestartKeys(t *testing.T) {
	l, hook := test.NewLoggerWithHook()
	c := config.NewC(l)

	conf := "listen:\n  host: 127.0.0.1\n  port: 0\n  batch: %d\nlogging:\n  level: warning\n"
	require.NoError(t, c.LoadString(fmt.Sprintf(conf, 8)))

	ctrl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	ctrl.Start()
	defer ctrl.Stop()

	hook.Reset()
	require.NoError(t, c.ReloadConfigString(fmt.Sprintf(conf, 16)))

	var warned []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = append(warned, e.Message)
		}
	}
	assert.Equal(t, []string{"listen.batch can not be changed while running, restart to apply"}, warned)
}
