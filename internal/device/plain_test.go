package device

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/types"
)

const plainResponseLine = "\x026.8(0006047*kWh)6.26(00428.35*m3)9.21(99999999)\r\n"

func TestPlainDecodeWithWakeup(t *testing.T) {
	stream := []byte("/LUGCUH50\r\n" + plainResponseLine)
	port := newFakeSerialPort(stream)
	reader := NewPlainReader(port, DefaultPlainOpts(), ReaderOpts{MeterName: "heat"}, zap.NewNop())

	sample := reader.Fetch()
	if sample == nil {
		t.Fatal("expected a sample")
	}
	if sample.MeterID != "99999999" {
		t.Errorf("meter id = %q, want %q", sample.MeterID, "99999999")
	}
	want := []types.ChannelValue{
		{Name: "6.8", Value: 6047.0, Unit: "kWh"},
		{Name: "6.26", Value: 428.35, Unit: "m3"},
	}
	if !reflect.DeepEqual(sample.Channels, want) {
		t.Errorf("channels = %#v, want %#v", sample.Channels, want)
	}

	if len(port.writes) != 2 {
		t.Fatalf("expected wakeup and request writes, got %d", len(port.writes))
	}
	if !bytes.Equal(port.writes[0], bytes.Repeat([]byte{0x00}, 40)) {
		t.Errorf("wakeup write = % x", port.writes[0])
	}
	if !bytes.Equal(port.writes[1], []byte("/?!\r\n")) {
		t.Errorf("request write = %q", port.writes[1])
	}
	if !reflect.DeepEqual(port.bauds, []int{300, 2400}) {
		t.Errorf("baud switches = %v, want [300 2400]", port.bauds)
	}
}

func TestPlainDecodeWithoutWakeup(t *testing.T) {
	port := newFakeSerialPort([]byte(plainResponseLine))
	opts := DefaultPlainOpts()
	opts.WakeupZeros = 0
	reader := NewPlainReader(port, opts, ReaderOpts{MeterName: "heat"}, zap.NewNop())

	sample := reader.Fetch()
	if sample == nil {
		t.Fatal("expected a sample")
	}
	if sample.MeterID != "99999999" {
		t.Errorf("meter id = %q, want %q", sample.MeterID, "99999999")
	}
	if len(port.writes) != 0 {
		t.Errorf("expected no writes without wakeup, got %v", port.writes)
	}
	if !reflect.DeepEqual(port.bauds, []int{2400}) {
		t.Errorf("baud switches = %v, want [2400]", port.bauds)
	}
}

func TestPlainNoParseableTokens(t *testing.T) {
	port := newFakeSerialPort([]byte("nothing to see here\r\n"))
	opts := DefaultPlainOpts()
	opts.WakeupZeros = 0
	reader := NewPlainReader(port, opts, ReaderOpts{MeterName: "heat"}, zap.NewNop())

	_, err := reader.fetchLine()
	if err == nil || !strings.Contains(err.Error(), "no parseable tokens") {
		t.Errorf("expected a no-tokens error, got %v", err)
	}
}

func TestPlainRejectsBinaryResponse(t *testing.T) {
	port := newFakeSerialPort([]byte{0xFF, 0xFE, 0x80, 0x81, '\n'})
	opts := DefaultPlainOpts()
	opts.WakeupZeros = 0
	reader := NewPlainReader(port, opts, ReaderOpts{MeterName: "heat"}, zap.NewNop())

	_, err := reader.fetchLine()
	if err == nil || !strings.Contains(err.Error(), "not valid text") {
		t.Errorf("expected an encoding error, got %v", err)
	}
}

// A value the regex accepts but ParseFloat does not is skipped while the
// rest of the line survives.
func TestPlainSkipsMalformedValue(t *testing.T) {
	port := newFakeSerialPort([]byte("6.8(1.2.3*kWh)6.26(00428.35*m3)\r\n"))
	opts := DefaultPlainOpts()
	opts.WakeupZeros = 0
	reader := NewPlainReader(port, opts, ReaderOpts{MeterName: "heat"}, zap.NewNop())

	sample := reader.Fetch()
	if sample == nil {
		t.Fatal("expected a sample")
	}
	want := []types.ChannelValue{{Name: "6.26", Value: 428.35, Unit: "m3"}}
	if !reflect.DeepEqual(sample.Channels, want) {
		t.Errorf("channels = %#v, want %#v", sample.Channels, want)
	}
}
