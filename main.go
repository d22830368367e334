package mmsg

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mmsg/config"
	"github.com/slackhq/mmsg/executor"
	"github.com/slackhq/mmsg/reactor"
	"github.com/slackhq/mmsg/udp"
	"github.com/slackhq/mmsg/util"
	"go.yaml.in/yaml/v3"
)

const (
	defaultBatch = 64
	defaultMTU   = 9001
	maxRoutines  = 1024
)

// Main builds the echo service described by c. Nothing runs until Control.Start is called, when configTest is set the
// config is only validated and printed.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	host := c.GetString("listen.host", "0.0.0.0")
	port := c.GetIntRange("listen.port", 4242, 0, 65535)
	routines := c.GetIntRange("listen.routines", 1, 1, maxRoutines)
	batch := c.GetIntRange("listen.batch", defaultBatch, 1, udp.MaxBatchSize)
	mtu := c.GetIntRange("listen.mtu", defaultMTU, 1, 65535)
	maxEvents := c.GetIntRange("reactor.max_events", reactor.DefaultMaxEvents, 1, 65536)
	workers := c.GetInt("executor.workers", 0)

	if configTest {
		if _, err := startStats(l, c, buildVersion, configTest, nil); err != nil {
			return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
		}
		return &Control{l: l, cancel: cancel}, nil
	}

	r, err := reactor.New(l, maxEvents)
	if err != nil {
		return nil, util.NewContextualError("Failed to create the reactor", logrus.Fields{"maxEvents": maxEvents}, err)
	}

	ex := executor.NewPool(l, workers)

	conns := make([]*udp.Conn, 0, routines)
	cleanup := func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
		_ = r.Close()
		ex.Stop()
	}

	for i := 0; i < routines; i++ {
		conn, err := udp.NewListener(l, r, ex, host, port, routines > 1)
		if err != nil {
			cleanup()
			return nil, util.NewContextualError("Failed to open udp listener", logrus.Fields{"host": host, "port": port, "routine": i}, err)
		}
		conn.ReloadConfig(c)
		conns = append(conns, conn)

		// A random port has to be shared by every routine
		if port == 0 {
			addr, err := conn.LocalAddr()
			if err != nil {
				cleanup()
				return nil, util.NewContextualError("Failed to get listening port", nil, err)
			}
			port = int(addr.Port())
		}
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("listen.read_buffer") && !c.HasChanged("listen.write_buffer") {
			return
		}
		for _, conn := range conns {
			conn.ReloadConfig(c)
		}
	})

	for _, key := range []string{"listen.host", "listen.port", "listen.routines", "listen.batch", "listen.mtu"} {
		c.RegisterReloadCallback(warnOnRestartRequired(l, key))
	}

	statsStart, err := startStats(l, c, buildVersion, configTest, conns)
	if err != nil {
		cleanup()
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	l.WithFields(logrus.Fields{
		"routines":  routines,
		"batch":     batch,
		"mtu":       mtu,
		"maxEvents": maxEvents,
		"version":   buildVersion,
	}).Info("Echo service configured")

	c.CatchHUP(ctx)

	return &Control{
		l:          l,
		r:          r,
		ex:         ex,
		conns:      conns,
		echo:       newEchoService(l, conns, batch, mtu),
		cancel:     cancel,
		statsStart: statsStart,
	}, nil
}

func warnOnRestartRequired(l *logrus.Logger, key string) func(*config.C) {
	return func(c *config.C) {
		if c.HasChanged(key) {
			l.WithField("key", key).Warnf("%s can not be changed while running, restart to apply", key)
		}
	}
}
