package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/mmsg"
	"github.com/slackhq/mmsg/config"
	"github.com/slackhq/mmsg/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build != "" {
		return
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("MMSG_CONFIG"), "Path to either a file or directory to load configuration from, defaults to $MMSG_CONFIG")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	switch {
	case *printVersion:
		fmt.Printf("Version: %s\n", Build)
		return 0
	case *printUsage:
		flag.Usage()
		return 0
	case *configPath == "":
		fmt.Println("-config flag must be set")
		flag.Usage()
		return 1
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(*configPath); err != nil {
		fmt.Printf("failed to load config: %s\n", err)
		return 1
	}

	ctrl, err := mmsg.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		return 1
	}

	if *configTest {
		return 0
	}

	ctrl.Start()
	if err := notifyReady(); err != nil {
		l.WithError(err).Error("Failed to notify systemd that the service is ready")
	}
	ctrl.ShutdownBlock()
	return 0
}
