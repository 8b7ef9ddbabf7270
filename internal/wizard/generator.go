// Package wizard turns the result of a device scan into a configuration
// skeleton an operator can edit and deploy.
package wizard

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Schwaneberg/metercore/internal/types"
)

const serviceTemplate = `[Unit]
Description=metercore
After=network.target
StartLimitIntervalSec=0

[Service]
Type=simple
Restart=always
RestartSec=5
User=root
ExecStart=%s

[Install]
WantedBy=multi-user.target
`

// GenerateYAML renders a configuration skeleton for the detected devices.
// Every numeric channel gets a mapping entry with a fresh placeholder uuid
// the operator replaces with the real middleware destination.
func GenerateYAML(devices []types.Device, middlewareURL string) (string, error) {
	deviceSection := map[string]any{}
	for i, dev := range devices {
		name := fmt.Sprintf("meter%d", i)
		channels := map[string]any{}
		for _, channel := range dev.Channels {
			if channel.Unit == "" {
				continue
			}
			channels[channel.Name] = map[string]any{
				"uuid":     uuid.NewString(),
				"interval": "1h",
				"factor":   1,
			}
		}
		deviceSection[name] = map[string]any{
			"id":       dev.MeterID,
			"protocol": dev.Protocol,
			"address":  dev.Address,
			"channels": channels,
		}
	}
	document := map[string]any{
		"middleware": map[string]any{
			"type":           "volkszaehler",
			"middleware_url": middlewareURL,
			"interpolate":    false,
		},
		"devices": deviceSection,
	}

	var rendered strings.Builder
	encoder := yaml.NewEncoder(&rendered)
	encoder.SetIndent(2)
	if err := encoder.Encode(document); err != nil {
		return "", fmt.Errorf("failed to render configuration: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("failed to render configuration: %w", err)
	}
	return rendered.String(), nil
}

// GenerateSystemdUnit renders a service unit starting the given command.
func GenerateSystemdUnit(execStart string) string {
	return fmt.Sprintf(serviceTemplate, execStart)
}
