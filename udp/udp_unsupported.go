//go:build !linux

package udp

import (
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mmsg/config"
	"github.com/slackhq/mmsg/executor"
	"github.com/slackhq/mmsg/reactor"
)

// Conn exists so callers build everywhere, batched operations need recvmmsg and sendmmsg
type Conn struct{}

func NewListener(_ *logrus.Logger, _ *reactor.Reactor, _ executor.Executor, _ string, _ int, _ bool) (*Conn, error) {
	return nil, reactor.ErrUnsupported
}

func NewConnFromFd(_ *logrus.Logger, _ *reactor.Reactor, _ executor.Executor, _ int) (*Conn, error) {
	return nil, reactor.ErrUnsupported
}

func (u *Conn) AsyncReceiveMany(_ []Message, _ int, h ReceiveHandler) {
	h(reactor.ErrUnsupported, 0, 0)
}

func (u *Conn) AsyncSendMany(_ []Message, _ int, h SendHandler) {
	h(reactor.ErrUnsupported, 0)
}

func (u *Conn) Cancel() {}

func (u *Conn) Close() error {
	return nil
}

func (u *Conn) IsV4() bool {
	return false
}

func (u *Conn) LocalAddr() (netip.AddrPort, error) {
	return netip.AddrPort{}, reactor.ErrUnsupported
}

func (u *Conn) ReloadConfig(_ *config.C) {}

func NewUDPStatsEmitter(_ []*Conn) func() {
	return func() {}
}
