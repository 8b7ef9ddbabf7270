package config

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Schwaneberg/metercore/internal/types"
)

//go:embed schema/device-v1.json
var deviceSchemaJSON string

// DeviceValidator checks device sections against the embedded schema before
// any hardware is touched.
type DeviceValidator struct {
	schema *jsonschema.Schema
}

func NewDeviceValidator() (*DeviceValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("device-v1.json", strings.NewReader(deviceSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("device-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &DeviceValidator{schema: schema}, nil
}

func (v *DeviceValidator) ValidateDevice(name string, dev DeviceConfig) error {
	document := map[string]any{
		"id":       dev.ID,
		"protocol": dev.Protocol,
		"address":  dev.Address,
		"baudrate": dev.BaudRate,
	}
	channels := map[string]any{}
	for channelName, channel := range dev.Channels {
		channels[channelName] = map[string]any{
			"uuid":             channel.UUID,
			"interval_seconds": channel.Interval.Seconds(),
			"factor":           channel.Factor,
		}
	}
	document["channels"] = channels

	data, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to marshal device %q: %w", name, err)
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("invalid JSON for device %q: %w", name, err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return types.ConfigErrorf("device %q: %v", name, err)
	}
	return nil
}
