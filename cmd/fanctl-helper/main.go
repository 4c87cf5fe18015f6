// fanctl-helper — privileged EC access helper.
//
// Launched by the daemon through pkexec; never run directly by users. Speaks
// the line-JSON protocol on stdin/stdout and exits when stdin closes or a
// shutdown command arrives. stdout carries protocol lines only, all
// diagnostics go to stderr.
//
// Requires the ec_sys kernel module (write_support=1 for control commands).
package main

import (
	"context"
	"flag"
	"os"

	"fanctl-go/config"
	"fanctl-go/ec"
	"fanctl-go/errcode"
	"fanctl-go/helper"
	"fanctl-go/logger"
	"fanctl-go/protocol"
)

func main() {
	configPath := flag.String("config", "", "daemon config file, for the EC path and profile overrides")
	ecPath := flag.String("ec", "", "EC io file exposed by ec_sys (overrides config)")
	readOnly := flag.Bool("read-only", false, "never attempt writes, monitoring only")
	flag.Parse()

	logger.SetPrefix("fanctl-helper: ")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(errcode.New(errcode.ProtocolError, "load config", err))
	}
	path := cfg.ECPath
	if *ecPath != "" {
		path = *ecPath
	}

	dev, err := ec.OpenMode(path, *readOnly)
	if err != nil {
		// One well-formed error line so the daemon gets a classified
		// failure instead of a bare EOF.
		fail(err)
	}
	defer dev.Close()

	if !dev.Writable() && !*readOnly {
		logger.Info("EC opened read-only, control commands will be refused")
	}

	d := helper.New(dev, cfg.ECProfile(), os.Stdin, os.Stdout)
	if err := d.Run(context.Background()); err != nil {
		logger.Error("dispatcher: %v", err)
		os.Exit(1)
	}
}

func fail(err error) {
	line, encErr := protocol.EncodeLine(protocol.ErrResponse(err))
	if encErr == nil {
		os.Stdout.Write(line)
	}
	logger.Error("%v", err)
	if errcode.Of(err) == errcode.AccessDenied {
		os.Exit(2)
	}
	os.Exit(1)
}
