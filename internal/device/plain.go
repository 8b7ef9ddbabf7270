package device

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/types"
)

// ProtocolPlain identifies readers for EN 62056-21 plain text meters
// (Landis+Gyr ULTRAHEAT T550 and compatible heat/water meters).
const ProtocolPlain = "PLAIN"

// plainRequestSeq is the fixed readout request sent after the wakeup zeros.
var plainRequestSeq = []byte{'/', '?', '!', '\x0D', '\x0A'}

// plainIdentCode is the channel code carrying the meter identification.
const plainIdentCode = "9.21"

// One token of the response line: code, parenthesized value, optional unit.
var plainTokenPattern = regexp.MustCompile(`([\d.]+)\(([\d.]+)(?:\*([\w.]+))?\)`)

// PlainOpts carries the wake-up protocol parameters. The device listens at a
// slow baud rate, is woken with a run of zero bytes plus the request
// sequence, and answers at the faster data baud rate.
type PlainOpts struct {
	// WakeupZeros is the number of zero bytes sent ahead of the request;
	// zero skips the wakeup entirely.
	WakeupZeros int
	// InitialBaudRate is used for the wakeup and request (default 300).
	InitialBaudRate int
	// BaudRate is used for the measurement response (default 2400).
	BaudRate int
}

func DefaultPlainOpts() PlainOpts {
	return PlainOpts{WakeupZeros: 40, InitialBaudRate: 300, BaudRate: 2400}
}

// PlainReader polls meters answering with one line of code(value*unit)
// tokens.
type PlainReader struct {
	readerCore
	port SerialPort
	opts PlainOpts
}

func NewPlainReader(port SerialPort, plain PlainOpts, opts ReaderOpts, logger *zap.Logger) *PlainReader {
	r := &PlainReader{
		readerCore: newReaderCore(ProtocolPlain, opts, logger),
		port:       port,
		opts:       plain,
	}
	r.fetchRaw = r.fetchLine
	return r
}

func (r *PlainReader) fetchLine() (*types.Sample, error) {
	var response []byte
	err := r.port.Transact(func(conn SerialConn) error {
		if r.opts.WakeupZeros > 0 {
			if err := conn.SetBaudRate(r.opts.InitialBaudRate); err != nil {
				return fmt.Errorf("switching to wakeup baud rate: %w", err)
			}
			if err := conn.Write(bytes.Repeat([]byte{0x00}, r.opts.WakeupZeros)); err != nil {
				return fmt.Errorf("sending wakeup zeros: %w", err)
			}
			if err := conn.Write(plainRequestSeq); err != nil {
				return fmt.Errorf("sending request sequence: %w", err)
			}
			// Identification line, answered at the wakeup baud rate.
			if _, err := conn.ReadLine(); err != nil {
				return fmt.Errorf("reading identification: %w", err)
			}
		}
		if err := conn.SetBaudRate(r.opts.BaudRate); err != nil {
			return fmt.Errorf("switching to data baud rate: %w", err)
		}
		line, err := conn.ReadLine()
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		response = line
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(response) {
		return nil, fmt.Errorf("response is not valid text: %q", response)
	}
	sample := r.parse(string(response))
	if sample == nil {
		return nil, fmt.Errorf("response contained no parseable tokens")
	}
	return sample, nil
}

func (r *PlainReader) parse(response string) *types.Sample {
	var sample *types.Sample
	for _, match := range plainTokenPattern.FindAllStringSubmatch(response, -1) {
		code, raw, unit := match[1], match[2], match[3]
		if sample == nil {
			sample = &types.Sample{Time: time.Now()}
		}
		if unit == "" && code == plainIdentCode {
			sample.MeterID = raw
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			r.logger.Warn("Skipping unparseable plain text value",
				zap.String("meter_name", r.meterName),
				zap.String("code", code),
				zap.String("value", raw))
			continue
		}
		sample.Channels = append(sample.Channels, types.ChannelValue{Name: code, Value: value, Unit: unit})
	}
	return sample
}

// DetectPlain probes all serial ports for plain text meters.
func DetectPlain(config SerialConfig, logger *zap.Logger) []types.Device {
	var devices []types.Device
	for _, portName := range ListSerialPorts() {
		port := NewSerialPort(portName, config, logger)
		reader := NewPlainReader(port, DefaultPlainOpts(), ReaderOpts{MeterName: portName}, logger)
		sample, err := reader.fetchLine()
		if err != nil || sample == nil {
			logger.Debug("No plain text meter found", zap.String("port", portName))
			continue
		}
		devices = append(devices, types.Device{
			MeterID:  sample.MeterID,
			Address:  portName,
			Protocol: ProtocolPlain,
			Channels: sample.Channels,
		})
	}
	return devices
}
