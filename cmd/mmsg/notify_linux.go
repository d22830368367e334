package main

import (
	"fmt"
	"net"
	"os"
	"time"
)

// sdNotifyReady tells systemd the service is ready and dependent services can now be started
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const sdNotifyReady = "READY=1"

// notifyReady is a no-op when not running under a systemd Type=notify unit
func notifyReady() error {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		return nil
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to the notification socket: %w", err)
	}
	defer conn.Close()

	if err = conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return err
	}

	if _, err = conn.Write([]byte(sdNotifyReady)); err != nil {
		return fmt.Errorf("failed to signal the notification socket: %w", err)
	}

	return nil
}
