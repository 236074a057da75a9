// Command simulator is a charge point simulator for exercising the CSMS
// gateway. It speaks OCPP 1.6 over OCPP-J, runs the boot/heartbeat/meter
// loops on its own, and answers server-initiated commands such as
// RemoteStartTransaction and Reset. Interactive mode adds a small REPL
// for driving charging sessions by hand.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	serverURL      = flag.String("server", "ws://localhost:9000/ocpp", "gateway WebSocket base URL")
	stationID      = flag.String("id", "CP-SIM-001", "station identifier presented on the handshake path")
	tenantCode     = flag.String("tenant", "", "tenant code sent in the X-Tenant-ID header")
	vendor         = flag.String("vendor", "VoltGrid", "charge point vendor")
	model          = flag.String("model", "VG-SIM", "charge point model")
	serial         = flag.String("serial", "SIM-0001", "serial number")
	firmware       = flag.String("firmware", "1.2.0", "firmware version")
	idTag          = flag.String("idtag", "TAG-SIM", "default idTag for locally started sessions")
	connectorCount = flag.Int("connectors", 2, "number of connectors")
	powerKw        = flag.Float64("power", 22.0, "simulated charge power (kW)")
	meterInterval  = flag.Duration("meter-interval", 30*time.Second, "interval between MeterValues while charging")
	interactive    = flag.Bool("interactive", false, "enable the interactive REPL")
	verbose        = flag.Bool("verbose", false, "enable debug logging")
)

func main() {
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sim := NewSimulator(Config{
		ServerURL:       *serverURL,
		StationID:       *stationID,
		Tenant:          *tenantCode,
		Vendor:          *vendor,
		Model:           *model,
		SerialNumber:    *serial,
		FirmwareVersion: *firmware,
		IdTag:           *idTag,
		ConnectorCount:  *connectorCount,
		PowerKw:         *powerKw,
		MeterInterval:   *meterInterval,
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nshutting down simulator...")
		sim.Stop()
		os.Exit(0)
	}()

	if err := sim.Connect(); err != nil {
		logger.Fatal("failed to connect to gateway", zap.Error(err))
	}

	if *interactive {
		printHelp()
		sim.RunInteractive()
		sim.Stop()
		return
	}

	fmt.Printf("charge point simulator started\n")
	fmt.Printf("  station: %s\n", *stationID)
	fmt.Printf("  server:  %s\n", *serverURL)
	fmt.Println("\npress Ctrl+C to stop")
	select {}
}

func printHelp() {
	fmt.Println("\ncharge point simulator - interactive mode")
	fmt.Println("=========================================")
	fmt.Println("commands:")
	fmt.Println("  start <connector> [idTag]  - start a charging session")
	fmt.Println("  stop <connector>           - stop the session on a connector")
	fmt.Println("  meter <connector> <wh>     - set the meter and send MeterValues")
	fmt.Println("  status <connector> <state> - send StatusNotification (Available/Charging/Faulted/...)")
	fmt.Println("  heartbeat                  - send a heartbeat now")
	fmt.Println("  fault <connector>          - simulate a connector fault")
	fmt.Println("  state                      - print connector state")
	fmt.Println("  quit                       - exit")
	fmt.Println("")
}
