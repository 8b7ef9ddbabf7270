package device

import (
	"bytes"
	"encoding/hex"
	"io"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/types"
)

// Captured datagrams of an EMH ED300L and an ISKRA MT631, including start
// marker, trailer and checksum.
const (
	emhFrameHex = "1b1b1b1b01010101760700070df8b2d762006200726301017601010700070b3f" +
		"3b9d0b0901454d4800004b18e2010163586b00760700070df8b2d86200620072" +
		"63070177010b0901454d4800004b18e2070100620affff726201650b3fee6a7a" +
		"77078181c78203ff0101010104454d480177070100000009ff010101010b0901" +
		"454d4800004b18e20177070100010800ff640101a201621e52ff56001054f2fe" +
		"0177070100020800ff640101a201621e52ff56000b487af00177070100010801" +
		"ff0101621e52ff56001054f2fe0177070100020801ff0101621e52ff56000b48" +
		"7af00177070100010802ff0101621e52ff5600000000000177070100020802ff" +
		"0101621e52ff5600000000000177070100100700ff0101621b52ff55fffff3fa" +
		"0177078181c78205ff01726201650b3fee6a0101830258af289a611352984cf8" +
		"5295237ef26670cb3d367e218b48d952789fc4a5888604012b323490ced3d96d" +
		"341c9e9ccf77010101635b1200760700070df8b2db6200620072630201710163" +
		"3b1500001b1b1b1b1a011be1"

	iskraFrameHex = "1b1b1b1b010101017605094c4e1d62006200726301017601010503196f5f0b0a" +
		"0149534b000435a92e7262016503197023620163fe90007605094c4e1e620062" +
		"007263070177010b0a0149534b000435a92e070100620affff72620165031970" +
		"23757707010060320101010101010449534b0177070100600100ff010101010b" +
		"0a0149534b000435a92e0177070100010800ff65001c290401621e52ff650122" +
		"d9150177070100020800ff0101621e52ff65028d94850177070100100700ff01" +
		"01621b520053fee401010163d6d5007605094c4e1f6200620072630201710163" +
		"57e600001b1b1b1b1a010b83"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return raw
}

// fakeSerialPort serves a fixed byte stream and records everything a codec
// writes or reconfigures. Shared by the SML and plain text tests.
type fakeSerialPort struct {
	address string
	stream  *bytes.Reader
	writes  [][]byte
	bauds   []int
}

func newFakeSerialPort(data []byte) *fakeSerialPort {
	return &fakeSerialPort{address: "/dev/ttyTEST", stream: bytes.NewReader(data)}
}

func (p *fakeSerialPort) Address() string {
	return p.address
}

func (p *fakeSerialPort) Transact(fn func(conn SerialConn) error) error {
	return fn(p)
}

func (p *fakeSerialPort) ReadUntil(delim []byte) ([]byte, error) {
	var buf []byte
	for {
		b, err := p.stream.ReadByte()
		if err != nil {
			return buf, ErrReadTimeout
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, delim) {
			return buf, nil
		}
	}
}

func (p *fakeSerialPort) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.stream, buf); err != nil {
		return nil, ErrReadTimeout
	}
	return buf, nil
}

func (p *fakeSerialPort) ReadLine() ([]byte, error) {
	return p.ReadUntil([]byte{'\n'})
}

func (p *fakeSerialPort) Write(b []byte) error {
	p.writes = append(p.writes, append([]byte(nil), b...))
	return nil
}

func (p *fakeSerialPort) SetBaudRate(baud int) error {
	p.bauds = append(p.bauds, baud)
	return nil
}

var emhChannels = []types.ChannelValue{
	{Name: "129-129:199.130.3*255", Value: "EMH"},
	{Name: "1-0:1.8.0*255", Value: 27400268.6, Unit: "Wh"},
	{Name: "1-0:2.8.0*255", Value: 18929944.0, Unit: "Wh"},
	{Name: "1-0:1.8.1*255", Value: 27400268.6, Unit: "Wh"},
	{Name: "1-0:2.8.1*255", Value: 18929944.0, Unit: "Wh"},
	{Name: "1-0:1.8.2*255", Value: 0.0, Unit: "Wh"},
	{Name: "1-0:2.8.2*255", Value: 0.0, Unit: "Wh"},
	{Name: "1-0:16.7.0*255", Value: -307.8, Unit: "W"},
	{Name: "129-129:199.130.5*255", Value: "58af289a611352984cf85295237ef26670cb3d36" +
		"7e218b48d952789fc4a5888604012b323490ced3d96d341c9e9ccf77"},
}

func TestSmlDecodeEmh(t *testing.T) {
	frame := mustHex(t, emhFrameHex)
	reader := NewSmlReader(newFakeSerialPort(frame), ReaderOpts{MeterName: "emh"}, zap.NewNop())

	sample := reader.Fetch()
	if sample == nil {
		t.Fatal("expected a sample")
	}
	if sample.MeterID != "1 EMH 00 4921570" {
		t.Errorf("meter id = %q, want %q", sample.MeterID, "1 EMH 00 4921570")
	}
	if !reflect.DeepEqual(sample.Channels, emhChannels) {
		t.Errorf("channels = %#v, want %#v", sample.Channels, emhChannels)
	}
}

func TestSmlDecodeIskra(t *testing.T) {
	frame := mustHex(t, iskraFrameHex)
	reader := NewSmlReader(newFakeSerialPort(frame), ReaderOpts{MeterName: "iskra"}, zap.NewNop())

	sample := reader.Fetch()
	if sample == nil {
		t.Fatal("expected a sample")
	}
	if sample.MeterID != "1 ISK 00 70625582" {
		t.Errorf("meter id = %q, want %q", sample.MeterID, "1 ISK 00 70625582")
	}
	want := []types.ChannelValue{
		{Name: "1-0:96.50.1*1", Value: []byte("ISK")},
		{Name: "1-0:1.8.0*255", Value: 1906101.3, Unit: "Wh"},
		{Name: "1-0:2.8.0*255", Value: 4283302.9, Unit: "Wh"},
		{Name: "1-0:16.7.0*255", Value: int64(-284), Unit: "W"},
	}
	if !reflect.DeepEqual(sample.Channels, want) {
		t.Errorf("channels = %#v, want %#v", sample.Channels, want)
	}
}

func TestSmlDecodeWithLeadingNoise(t *testing.T) {
	frame := mustHex(t, emhFrameHex)
	noisy := append([]byte{0xFF, 0x00, 0x1b, 0x1b, 0x42, 0x1b, 0x01}, frame...)
	reader := NewSmlReader(newFakeSerialPort(noisy), ReaderOpts{MeterName: "emh"}, zap.NewNop())

	sample := reader.Fetch()
	if sample == nil {
		t.Fatal("expected a sample despite leading noise")
	}
	if sample.MeterID != "1 EMH 00 4921570" {
		t.Errorf("meter id = %q, want %q", sample.MeterID, "1 EMH 00 4921570")
	}
	if !reflect.DeepEqual(sample.Channels, emhChannels) {
		t.Errorf("channels differ from clean decode: %#v", sample.Channels)
	}
}

func TestSmlTruncatedStream(t *testing.T) {
	frame := mustHex(t, emhFrameHex)
	reader := NewSmlReader(newFakeSerialPort(frame[:len(frame)-10]), ReaderOpts{MeterName: "emh"}, zap.NewNop())
	if sample := reader.Fetch(); sample != nil {
		t.Errorf("expected no sample from a truncated stream, got %#v", sample)
	}
}

func TestSmlMalformedEndSequence(t *testing.T) {
	frame := mustHex(t, emhFrameHex)
	// Overwrite the escape run ahead of the trailer so the frame shape no
	// longer matches what the stream reassembly promises.
	copy(frame[len(frame)-8:len(frame)-4], []byte{0x00, 0x00, 0x00, 0x00})
	reader := NewSmlReader(newFakeSerialPort(nil), ReaderOpts{MeterName: "emh"}, zap.NewNop())
	if _, err := reader.decodeFrame(frame); err == nil {
		t.Error("expected an error for a malformed end sequence")
	}
}

func TestSmlFillByteCountTooLarge(t *testing.T) {
	frame := mustHex(t, emhFrameHex)
	frame[len(frame)-3] = 0xFF
	reader := NewSmlReader(newFakeSerialPort(nil), ReaderOpts{MeterName: "emh"}, zap.NewNop())
	if _, err := reader.decodeFrame(frame); err == nil {
		t.Error("expected an error for an oversized fill byte count")
	}
}

// A checksum mismatch is reported but must not suppress the decoded values.
func TestSmlChecksumMismatchStillDecodes(t *testing.T) {
	frame := mustHex(t, emhFrameHex)
	frame[len(frame)-1] ^= 0xA5
	reader := NewSmlReader(newFakeSerialPort(nil), ReaderOpts{MeterName: "emh"}, zap.NewNop())

	sample, err := reader.decodeFrame(frame)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if sample.MeterID != "1 EMH 00 4921570" {
		t.Errorf("meter id = %q, want %q", sample.MeterID, "1 EMH 00 4921570")
	}
	if !reflect.DeepEqual(sample.Channels, emhChannels) {
		t.Errorf("channels differ from clean decode: %#v", sample.Channels)
	}
}

func TestSmlGarbageBody(t *testing.T) {
	frame := mustHex(t, emhFrameHex)
	for i := len(smlStartSeq); i < len(frame)-8; i++ {
		frame[i] = 0x7F
	}
	reader := NewSmlReader(newFakeSerialPort(nil), ReaderOpts{MeterName: "emh"}, zap.NewNop())
	if _, err := reader.decodeFrame(frame); err == nil {
		t.Error("expected an error for a garbage body")
	}
}

func TestFormatServerID(t *testing.T) {
	cases := []struct {
		raw  []byte
		want string
	}{
		{[]byte{0x09, 0x01, 'E', 'M', 'H', 0x00, 0x00, 0x4b, 0x18, 0xe2}, "1 EMH 00 4921570"},
		{[]byte{0x0a, 0x01, 'I', 'S', 'K', 0x00, 0x04, 0x35, 0xa9, 0x2e}, "1 ISK 00 70625582"},
		// Unknown layouts fall back to plain hex.
		{[]byte{0x01, 0x02, 0x03}, "010203"},
	}
	for _, tc := range cases {
		if got := formatServerID(tc.raw); got != tc.want {
			t.Errorf("formatServerID(% x) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestScaledValue(t *testing.T) {
	cases := []struct {
		value  smlValue
		scaler int64
		want   any
	}{
		{smlValue{kind: smlInt, i: -3078}, -1, -307.8},
		{smlValue{kind: smlUint, u: 19061013}, -1, 1906101.3},
		{smlValue{kind: smlInt, i: -284}, 0, int64(-284)},
		{smlValue{kind: smlUint, u: 42}, 1, 420.0},
	}
	for _, tc := range cases {
		got, ok := scaledValue(tc.value, tc.scaler)
		if !ok {
			t.Errorf("scaledValue(%v, %d) not ok", tc.value, tc.scaler)
			continue
		}
		if got != tc.want {
			t.Errorf("scaledValue(%v, %d) = %v, want %v", tc.value, tc.scaler, got, tc.want)
		}
	}
	if _, ok := scaledValue(smlValue{kind: smlOctet, octet: []byte("x")}, 0); ok {
		t.Error("octet values must not scale")
	}
}
