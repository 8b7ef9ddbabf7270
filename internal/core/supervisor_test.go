package core

import (
	"testing"
	"time"

	"github.com/Schwaneberg/metercore/internal/config"
	"github.com/Schwaneberg/metercore/internal/device"
	"github.com/Schwaneberg/metercore/internal/types"
)

func TestMatchChannels(t *testing.T) {
	configured := map[string]config.ChannelConfig{
		"1-0:1.8.0":   {UUID: "uuid-energy", Interval: time.Hour, Factor: 1},
		"HUMIDITY":    {UUID: "uuid-humidity", Interval: 30 * time.Minute, Factor: 1},
		"1-0:99.99.9": {UUID: "uuid-missing", Interval: time.Hour, Factor: 1},
	}
	sample := &types.Sample{
		Channels: []types.ChannelValue{
			{Name: "1-0:1.8.0*255", Value: 1.0, Unit: "Wh"},
			{Name: "1-0:2.8.0*255", Value: 2.0, Unit: "Wh"},
			{Name: "HUMIDITY", Value: 50.0, Unit: "%"},
		},
	}

	matched := matchChannels(configured, sample)
	if len(matched) != 2 {
		t.Fatalf("matched = %#v, want two entries", matched)
	}
	// Keys are the exact reported names so later lookups hit directly.
	if info, ok := matched["1-0:1.8.0*255"]; !ok || info.DestinationID != "uuid-energy" {
		t.Errorf("energy channel = %#v, %v", info, ok)
	}
	if info, ok := matched["HUMIDITY"]; !ok || info.DestinationID != "uuid-humidity" {
		t.Errorf("humidity channel = %#v, %v", info, ok)
	}
}

func TestMatchChannelsToleratesSeparators(t *testing.T) {
	configured := map[string]config.ChannelConfig{
		"1-0:1.8.0*255": {UUID: "uuid-energy", Interval: time.Hour, Factor: 1},
	}
	sample := &types.Sample{
		Channels: []types.ChannelValue{{Name: "1-0:1.8.0*255", Value: 1.0, Unit: "Wh"}},
	}
	if matched := matchChannels(configured, sample); len(matched) != 1 {
		t.Errorf("matched = %#v, want the exact name to match itself", matched)
	}
}

func TestParseBusNumber(t *testing.T) {
	cases := []struct {
		address string
		want    int
	}{
		{"0x76", 1},
		{"0x76@I2C(1)", 1},
		{"0x77@I2C(2)", 2},
	}
	for _, tc := range cases {
		got, err := parseBusNumber(tc.address)
		if err != nil {
			t.Errorf("parseBusNumber(%q): %v", tc.address, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseBusNumber(%q) = %d, want %d", tc.address, got, tc.want)
		}
	}
	if _, err := parseBusNumber("0x76@SPI(0)"); err == nil || !types.IsConfigurationError(err) {
		t.Errorf("expected a ConfigurationError for a foreign bus suffix, got %v", err)
	}
}

func TestBme280ConfigOverlay(t *testing.T) {
	overlaid := bme280Config(config.Bme280DeviceConfig{Mode: "normal", StandbyTimeMs: 125})
	if overlaid.Mode != "normal" || overlaid.StandbyTimeMs != 125 {
		t.Errorf("overlay not applied: %#v", overlaid)
	}
	if overlaid.OversamplingTemperature != 2 || overlaid.FilterCoefficient != 0 {
		t.Errorf("defaults lost in overlay: %#v", overlaid)
	}

	defaults := bme280Config(config.Bme280DeviceConfig{})
	if defaults != device.DefaultBme280Config() {
		t.Errorf("empty overlay changed defaults: %#v", defaults)
	}
}
