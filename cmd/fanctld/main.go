// fanctld — laptop fan control daemon and CLI.
//
// Talks to the EC through a privileged helper spawned via pkexec, so the
// daemon itself runs unprivileged. One helper per daemon instance.
//
// Usage:
//
//	fanctld -status                 one status snapshot and exit
//	fanctld -boost on|off           toggle cooler boost
//	fanctld -fan-speed 60           pin both fans to a fixed duty percentage
//	fanctld -fan-mode auto          select the firmware fan profile
//	fanctld -run -config fanctl.yml run the polling daemon until SIGINT/SIGTERM
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fanctl-go/bus"
	"fanctl-go/config"
	"fanctl-go/ec"
	"fanctl-go/logger"
	"fanctl-go/monitor"
	"fanctl-go/supervisor"
)

func main() {
	run := flag.Bool("run", false, "run the polling daemon")
	status := flag.Bool("status", false, "print one status snapshot and exit")
	boost := flag.String("boost", "", "set cooler boost: on or off")
	fanSpeed := flag.Int("fan-speed", -1, "pin both fans to a duty percentage, 0-100")
	fanMode := flag.String("fan-mode", "", "set fan mode: auto, silent or advanced")
	configPath := flag.String("config", "", "path to YAML config (default /etc/fanctl.yml)")
	ecPath := flag.String("ec", "", "EC io file (overrides config)")
	helperPath := flag.String("helper", "", "helper binary path (overrides config)")
	quiet := flag.Bool("quiet", false, "less output")
	flag.Parse()

	logger.Quiet = *quiet

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *ecPath != "" {
		cfg.ECPath = *ecPath
	}
	if *helperPath != "" {
		cfg.HelperPath = *helperPath
	}

	b := bus.NewBus(16)
	sup := newSupervisor(cfg, *configPath, b.NewConnection("supervisor"))
	ctx := signalContext()

	switch {
	case *run:
		runDaemon(ctx, cfg, sup, b.NewConnection("monitor"))
	case *status:
		oneShot(ctx, sup, func(m *monitor.Monitor) error { return printStatus(ctx, m, cfg.ECProfile()) })
	case *boost != "":
		on, err := parseOnOff(*boost)
		if err != nil {
			log.Fatalf("-boost: %v", err)
		}
		oneShot(ctx, sup, func(m *monitor.Monitor) error {
			return m.SetCoolerBoost(ctx, on)
		})
	case *fanSpeed >= 0:
		oneShot(ctx, sup, func(m *monitor.Monitor) error {
			return m.SetFanSpeed(ctx, *fanSpeed)
		})
	case *fanMode != "":
		oneShot(ctx, sup, func(m *monitor.Monitor) error {
			return m.SetFanMode(ctx, *fanMode)
		})
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = "/etc/fanctl.yml"
	}
	return config.Load(path)
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("want on or off, got %q", s)
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal %v, shutting down", sig)
		cancel()
	}()
	return ctx
}

func newSupervisor(cfg *config.Config, configPath string, conn *bus.Connection) *supervisor.Supervisor {
	args := []string{"-ec", cfg.ECPath}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	tr := &supervisor.PkexecTransport{
		PkexecPath: cfg.PkexecPath,
		HelperPath: cfg.HelperPath,
		Args:       args,
	}
	return supervisor.New(tr, conn, supervisor.Options{
		RequestTimeout: cfg.RequestTimeout.Std(),
		ConnectTimeout: cfg.ConnectTimeout.Std(),
	})
}

// oneShot connects, runs one command and tears the helper down again.
func oneShot(ctx context.Context, sup *supervisor.Supervisor, fn func(*monitor.Monitor) error) {
	if err := sup.Connect(ctx); err != nil {
		log.Fatalf("helper: %v", err)
	}
	defer sup.Close()

	m := monitor.New(sup, nil, monitor.Options{})
	if err := fn(m); err != nil {
		log.Fatalf("%v", err)
	}
}

// runDaemon polls until the context is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, conn *bus.Connection) {
	if err := sup.Connect(ctx); err != nil {
		// Declined elevation or absent hardware will not heal on retry.
		log.Fatalf("helper: %v", err)
	}
	defer sup.Close()

	m := monitor.New(sup, conn, monitor.Options{
		PollInterval: cfg.PollInterval.Std(),
		InfoEvery:    cfg.InfoEvery,
		StaleAfter:   cfg.StaleAfter.Std(),
	})
	if err := m.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("%v", err)
	}
}

func printStatus(ctx context.Context, m *monitor.Monitor, prof *ec.Profile) error {
	if err := m.Poll(ctx); err != nil {
		return err
	}
	st, _, ok := m.Status()
	if !ok {
		return fmt.Errorf("no status available")
	}

	fmt.Printf("cpu:   %d°C, fan %s\n", st.CPUTempC, fanString(prof, st.CPUFanRPM, st.CPUFanDuty))
	fmt.Printf("gpu:   %d°C, fan %s\n", st.GPUTempC, fanString(prof, st.GPUFanRPM, st.GPUFanDuty))
	fmt.Printf("boost: %s\n", onOff(st.CoolerBoost))
	fmt.Printf("mode:  %s\n", st.FanMode)
	if st.ReadOnly {
		fmt.Println("note:  EC is read-only, control commands unavailable")
	}
	return nil
}

func fanString(prof *ec.Profile, tach uint16, duty uint8) string {
	rpm, estimated := prof.DisplayRPM(tach, duty)
	pct := int(duty) * 100 / int(prof.DutyMax)
	if estimated {
		return fmt.Sprintf("~%d rpm (%d%% duty, estimated)", rpm, pct)
	}
	return fmt.Sprintf("%d rpm (%d%% duty)", rpm, pct)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
