// Command meterscan probes all serial ports and the I2C bus for supported
// meters and prints a configuration skeleton for everything it finds.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/core"
	"github.com/Schwaneberg/metercore/internal/wizard"
)

func main() {
	middlewareURL := flag.String("url", "http://localhost/middleware.php", "middleware URL for the generated configuration")
	unit := flag.Bool("systemd", false, "print a systemd unit instead of the YAML configuration")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logConfig := zap.NewDevelopmentConfig()
	if !*debug {
		logConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := logConfig.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if *unit {
		executable, err := os.Executable()
		if err != nil {
			executable = "/usr/local/bin/metercore"
		}
		fmt.Print(wizard.GenerateSystemdUnit(executable))
		return
	}

	fmt.Fprintln(os.Stderr, "Scanning for devices, this takes several timeout windows...")
	devices := core.DetectAll(logger)
	if len(devices) == 0 {
		fmt.Fprintln(os.Stderr, "No supported devices found.")
		os.Exit(1)
	}
	for _, dev := range devices {
		fmt.Fprintf(os.Stderr, "Found %s meter %q at %s\n", dev.Protocol, dev.MeterID, dev.Address)
	}

	rendered, err := wizard.GenerateYAML(devices, *middlewareURL)
	if err != nil {
		logger.Fatal("Failed to generate configuration", zap.Error(err))
	}
	fmt.Print(rendered)
}
