package mmsg

import (
	"context"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mmsg/executor"
	"github.com/slackhq/mmsg/reactor"
	"github.com/slackhq/mmsg/udp"
	"golang.org/x/sync/errgroup"
)

// drainTimeout bounds how long Stop waits for in flight handlers before tearing the reactor down
const drainTimeout = 5 * time.Second

type Control struct {
	l      *logrus.Logger
	r      *reactor.Reactor
	ex     *executor.Pool
	conns  []*udp.Conn
	echo   *echoService
	cancel context.CancelFunc

	statsStart func()
	g          errgroup.Group
}

// Start runs the reactor and arms the echo service, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.r == nil {
		c.l.Warn("Nothing to start, the config was only tested")
		return
	}

	c.g.Go(func() error {
		err := c.r.Run()
		if err != nil {
			c.l.WithError(err).Error("Reactor stopped")
		}
		return err
	})

	if c.statsStart != nil {
		go c.statsStart()
	}

	c.echo.start()
	for i, conn := range c.conns {
		addr, err := conn.LocalAddr()
		if err != nil {
			c.l.WithError(err).WithField("routine", i).Warn("Failed to get the listener address")
			continue
		}
		c.l.WithField("udpAddr", addr).WithField("routine", i).Info("Echo service listening")
	}
}

// Stop closes every listener, gives outstanding handlers a chance to finish and then shuts the reactor down. It
// returns once the shutdown is complete.
func (c *Control) Stop() {
	c.cancel()
	if c.r == nil {
		return
	}

	for _, conn := range c.conns {
		if err := conn.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close a listener")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	select {
	case <-c.echo.wait():
	case <-ctx.Done():
		c.l.Warn("Timed out waiting for the echo service to stop")
	}

	if err := c.ex.Wait(ctx); err != nil {
		c.l.WithError(err).WithField("outstanding", c.ex.Outstanding()).Warn("Shutting down with outstanding work")
	}

	if err := c.r.Close(); err != nil {
		c.l.WithError(err).Error("Failed to close the reactor")
	}
	if err := c.g.Wait(); err != nil {
		c.l.WithError(err).Debug("Reactor loop exited with an error")
	}
	c.ex.Stop()

	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	rawSig := <-sigChan
	c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	c.Stop()
}

// Addrs returns the bound address of every listener
func (c *Control) Addrs() []netip.AddrPort {
	addrs := make([]netip.AddrPort, 0, len(c.conns))
	for _, conn := range c.conns {
		if addr, err := conn.LocalAddr(); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
