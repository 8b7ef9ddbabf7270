package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Schwaneberg/metercore/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metercore.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
server:
  http_port: 9090
archive:
  path: /tmp/metercore.db
middleware:
  type: volkszaehler
  middleware_url: http://localhost/middleware.php
  interpolate: true
devices:
  electricity:
    id: "1 EMH 00 4921570"
    protocol: SML
    address: /dev/ttyUSB0
    channels:
      "1-0:1.8.0":
        uuid: 7721f9d2-6cbe-4a08-a018-4a47baba44a4
        interval: 2h
      "1-0:16.7.0":
        uuid: 9a5c7a21-0da7-4e47-8a66-8d14555d55b2
        factor: 0.001
  climate:
    protocol: BME280
    address: "0x76@I2C(1)"
    channels:
      TEMPERATURE:
        uuid: 0f0a41b6-35a5-472f-9db0-1e6099ee87a6
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("http_port = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown_timeout = %v, want the 30s default", cfg.Server.ShutdownTimeout)
	}
	if cfg.Archive.Retention != 720*time.Hour {
		t.Errorf("retention = %v, want the 720h default", cfg.Archive.Retention)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("devices = %#v", cfg.Devices)
	}

	electricity := cfg.Devices["electricity"]
	if electricity.BaudRate != 9600 {
		t.Errorf("baudrate = %d, want the 9600 default", electricity.BaudRate)
	}
	energy := electricity.Channels["1-0:1.8.0"]
	if energy.Interval != 2*time.Hour {
		t.Errorf("interval = %v, want 2h", energy.Interval)
	}
	if energy.Factor != 1 {
		t.Errorf("factor = %v, want the default 1", energy.Factor)
	}
	power := electricity.Channels["1-0:16.7.0"]
	if power.Interval != time.Hour {
		t.Errorf("interval = %v, want the 1h default", power.Interval)
	}
	if power.Factor != 0.001 {
		t.Errorf("factor = %v, want 0.001", power.Factor)
	}
}

func TestLoadRejectsUnknownMiddleware(t *testing.T) {
	path := writeConfig(t, `
middleware:
  type: carrier-pigeon
`)
	if _, err := Load(path); err == nil || !types.IsConfigurationError(err) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

func TestLoadRequiresMiddlewareURL(t *testing.T) {
	path := writeConfig(t, `
middleware:
  type: volkszaehler
`)
	if _, err := Load(path); err == nil || !types.IsConfigurationError(err) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

func TestLoadRejectsMalformedUUID(t *testing.T) {
	path := writeConfig(t, `
middleware:
  type: volkszaehler
  middleware_url: http://localhost/middleware.php
devices:
  electricity:
    protocol: SML
    address: /dev/ttyUSB0
    channels:
      "1-0:1.8.0":
        uuid: not-a-uuid
`)
	if _, err := Load(path); err == nil || !types.IsConfigurationError(err) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

func TestLoadRejectsUnknownProtocol(t *testing.T) {
	path := writeConfig(t, `
devices:
  electricity:
    protocol: XML
    address: /dev/ttyUSB0
`)
	if _, err := Load(path); err == nil || !types.IsConfigurationError(err) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

func TestLoadRejectsIllegalBaudrate(t *testing.T) {
	path := writeConfig(t, `
devices:
  electricity:
    protocol: SML
    address: /dev/ttyUSB0
    baudrate: 50
`)
	if _, err := Load(path); err == nil || !types.IsConfigurationError(err) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

func TestValidateDeviceRequiresAddress(t *testing.T) {
	validator, err := NewDeviceValidator()
	if err != nil {
		t.Fatalf("NewDeviceValidator: %v", err)
	}
	err = validator.ValidateDevice("broken", DeviceConfig{Protocol: "SML", BaudRate: 9600})
	if err == nil || !types.IsConfigurationError(err) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

func TestValidateDeviceAcceptsMinimalSensor(t *testing.T) {
	validator, err := NewDeviceValidator()
	if err != nil {
		t.Fatalf("NewDeviceValidator: %v", err)
	}
	dev := DeviceConfig{
		Protocol: "BME280",
		Address:  "0x76",
		BaudRate: 9600,
		Channels: map[string]ChannelConfig{
			"HUMIDITY": {UUID: "any-id", Interval: time.Hour, Factor: 1},
		},
	}
	if err := validator.ValidateDevice("climate", dev); err != nil {
		t.Errorf("ValidateDevice: %v", err)
	}
}
