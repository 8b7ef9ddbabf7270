package types

import (
	"time"
)

// ChannelValue is one measured quantity inside a Sample, identified by an
// OBIS code or a sensor field name. Value is one of float64, int64, bool,
// string or []byte depending on what the protocol delivered.
type ChannelValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// Sample is one full readout of a device. It is produced atomically by a
// protocol codec and never mutated afterwards. MeterID is the identity the
// device reported itself, not the configured expectation.
type Sample struct {
	Time     time.Time      `json:"time"`
	MeterID  string         `json:"meter_id"`
	Channels []ChannelValue `json:"channels"`
}

// Device describes a candidate physical unit found during a discovery scan.
type Device struct {
	MeterID  string         `json:"meter_id"`
	Address  string         `json:"address"`
	Protocol string         `json:"protocol"`
	Channels []ChannelValue `json:"channels"`
}

// ChannelUploadInfo is the per-channel upload state owned by a reader node.
// LastUpload increases monotonically; LastValue is the value at LastUpload.
type ChannelUploadInfo struct {
	DestinationID string
	Interval      time.Duration
	Factor        float64
	LastUpload    time.Time
	LastValue     float64
	DeviceClass   string
	UnitHint      string
}

// ChannelDescription is a channel as listed by the upload middleware.
type ChannelDescription struct {
	DestinationID string `json:"uuid"`
	Title         string `json:"title"`
	Type          string `json:"type,omitempty"`
	Description   string `json:"description,omitempty"`
}
