//go:build !linux

package mmsg

const msgTrunc = 0x20
