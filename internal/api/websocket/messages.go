package websocket

import (
	"time"

	"github.com/Schwaneberg/metercore/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// MessageTypeSample carries one freshly polled sample.
	MessageTypeSample MessageType = "sample"

	// MessageTypeMeterError signals a failed poll cycle for a meter.
	MessageTypeMeterError MessageType = "meter_error"

	// MessageTypeSystemStatus carries periodic process health info.
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// SampleData is the payload of a sample broadcast.
type SampleData struct {
	MeterName string        `json:"meter_name"`
	Sample    *types.Sample `json:"sample"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewSampleMessage wraps a polled sample for broadcast to live listeners.
func NewSampleMessage(meterName string, sample *types.Sample) Message {
	return NewMessage(MessageTypeSample, SampleData{
		MeterName: meterName,
		Sample:    sample,
	})
}
