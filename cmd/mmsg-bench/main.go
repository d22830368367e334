package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
)

// batchConn is the part of ipv4.PacketConn and ipv6.PacketConn the bench needs, both move ipv4.Message which is an
// alias of the shared socket message
type batchConn interface {
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

type options struct {
	target  *net.UDPAddr
	senders int
	batch   int
	count   int
	size    int
	idle    time.Duration
}

type result struct {
	sent   atomic.Int64
	echoed atomic.Int64
}

func main() {
	target := flag.String("target", "127.0.0.1:4242", "Address of the echo service")
	senders := flag.Int("senders", 4, "Number of concurrent senders, each uses its own socket")
	batch := flag.Int("batch", 64, "Datagrams per WriteBatch and ReadBatch call")
	count := flag.Int("count", 100000, "Datagrams each sender sends")
	size := flag.Int("size", 512, "Payload size of every datagram")
	idle := flag.Duration("idle", 2*time.Second, "Stop waiting for echoes after this long without one")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	l := logrus.New()
	l.Out = os.Stdout
	if *debug {
		l.SetLevel(logrus.DebugLevel)
	}

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		l.WithError(err).WithField("target", *target).Fatal("Failed to resolve the target")
	}

	if *senders < 1 || *batch < 1 || *count < 1 || *size < 1 {
		l.Fatal("-senders, -batch, -count and -size must all be positive")
	}

	o := options{target: addr, senders: *senders, batch: *batch, count: *count, size: *size, idle: *idle}

	start := time.Now()
	res, err := bench(context.Background(), l, o)
	elapsed := time.Since(start)
	if err != nil {
		l.WithError(err).Error("Bench failed")
	}

	sent, echoed := res.sent.Load(), res.echoed.Load()
	l.WithFields(logrus.Fields{
		"sent":     sent,
		"echoed":   echoed,
		"lost":     sent - echoed,
		"elapsed":  elapsed.Round(time.Millisecond),
		"echoed/s": fmt.Sprintf("%.0f", float64(echoed)/elapsed.Seconds()),
	}).Info("Bench finished")

	if err != nil {
		os.Exit(1)
	}
}

func bench(ctx context.Context, l *logrus.Logger, o options) (*result, error) {
	res := &result{}
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < o.senders; i++ {
		uc, bc, err := listen(o.target)
		if err != nil {
			return res, err
		}

		sl := l.WithField("sender", i)

		var wg sync.WaitGroup
		wg.Add(2)
		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()

		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-finished:
			}
			return uc.Close()
		})
		g.Go(func() error {
			defer wg.Done()
			return send(ctx, sl, bc, o, res)
		})
		g.Go(func() error {
			defer wg.Done()
			return receive(sl, uc, bc, o, res)
		})
	}

	return res, g.Wait()
}

func listen(target *net.UDPAddr) (*net.UDPConn, batchConn, error) {
	if target.IP.To4() != nil {
		uc, err := net.ListenUDP("udp4", nil)
		if err != nil {
			return nil, nil, err
		}
		return uc, ipv4.NewPacketConn(uc), nil
	}

	uc, err := net.ListenUDP("udp6", nil)
	if err != nil {
		return nil, nil, err
	}
	return uc, ipv6.NewPacketConn(uc), nil
}

func send(ctx context.Context, l *logrus.Entry, bc batchConn, o options, res *result) error {
	payload := make([]byte, o.size)
	ms := make([]ipv4.Message, o.batch)
	for i := range ms {
		ms[i] = ipv4.Message{Buffers: [][]byte{payload}, Addr: o.target}
	}

	for left := o.count; left > 0; {
		if ctx.Err() != nil {
			return nil
		}

		n, err := bc.WriteBatch(ms[:min(left, len(ms))], 0)
		if err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		left -= n
		res.sent.Add(int64(n))
	}

	l.Debug("Sender finished")
	return nil
}

// receive reads echoes until every datagram came back or the service went quiet for o.idle
func receive(l *logrus.Entry, uc *net.UDPConn, bc batchConn, o options, res *result) error {
	ms := make([]ipv4.Message, o.batch)
	for i := range ms {
		ms[i].Buffers = [][]byte{make([]byte, o.size)}
	}

	for got := 0; got < o.count; {
		if err := uc.SetReadDeadline(time.Now().Add(o.idle)); err != nil {
			return err
		}

		n, err := bc.ReadBatch(ms, 0)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.WithField("missing", o.count-got).Debug("Gave up waiting for echoes")
				return nil
			}
			return fmt.Errorf("read batch: %w", err)
		}
		got += n
		res.echoed.Add(int64(n))
	}

	return nil
}
