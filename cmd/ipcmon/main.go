// ipcmon connects to a bus and prints every message it can see, using the
// service's monitor mode. Classic bus daemons honour eavesdrop match
// rules; on a busconfig without eavesdropping only traffic addressed to
// this connection shows up.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"

	"github.com/ehrlich-b/go-ipcbus"
	"github.com/ehrlich-b/go-ipcbus/internal/logging"
)

// envConfig carries the environment defaults; flags override them.
type envConfig struct {
	Address string `env:"IPCBUS_ADDRESS" envDefault:"session"`
	Service string `env:"IPCBUS_MONITOR_NAME" envDefault:"com.example.ipcmon"`
	Verbose bool   `env:"IPCBUS_VERBOSE"`
}

func main() {
	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Invalid environment configuration: %v", err)
	}

	var (
		address = flag.String("address", cfg.Address, "Bus to monitor: session, system, or unix:path=...")
		service = flag.String("service", cfg.Service, "Well-known name to claim for the monitor connection")
		rules   = flag.String("rules", "", "Comma-separated match rules (empty monitors everything)")
		verbose = flag.Bool("v", cfg.Verbose, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))

	svc, err := ipcbus.New(ipcbus.Config{
		Address:     *address,
		ServiceName: *service,
	})
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *address, err)
	}
	defer svc.Close()

	if !svc.Start() {
		log.Fatalf("Failed to start IPC service")
	}

	var matchRules []string
	if *rules != "" {
		matchRules = strings.Split(*rules, ",")
	}
	if err := svc.EnableMonitor(matchRules, printEvent); err != nil {
		log.Fatalf("Failed to enable monitor mode: %v", err)
	}

	fmt.Printf("Monitoring %s as %s (unique name %s), ctrl-c to exit\n",
		*address, *service, svc.UniqueName())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	_ = svc.DisableMonitor()

	snap := svc.Metrics().Snapshot()
	fmt.Printf("\nDone. parse errors: %d\n", snap.ParseErrors)
}

func printEvent(event ipcbus.MonitorEvent) {
	var kind string
	switch event.Type {
	case ipcbus.MethodCallEvent:
		kind = "call"
	case ipcbus.SignalEvent:
		kind = "signal"
	case ipcbus.MethodReturnEvent:
		kind = "return"
	case ipcbus.ErrorEvent:
		kind = "error"
	}
	fmt.Printf("%-7s serial=%-6d %s -> %s %s %s.%s args=%d\n",
		kind, event.Serial, event.Sender, event.Destination,
		event.Path, event.Interface, event.Member, len(event.Args))
}
