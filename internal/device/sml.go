package device

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/types"
)

// ProtocolSML identifies readers for binary SML meters on EN 62056-21
// optical interfaces (EMH eHZ, ISKRA MT631 and compatible).
const ProtocolSML = "SML"

var (
	smlStartSeq = []byte{0x1b, 0x1b, 0x1b, 0x1b, 0x01, 0x01, 0x01, 0x01}
	smlEndSeq   = []byte{0x1b, 0x1b, 0x1b, 0x1b}
)

// SML frames carry a CRC-16/X-25 over everything up to the checksum itself,
// stored little endian in the trailer.
var smlCRCTable = crc16.MakeTable(crc16.CRC16_X_25)

// SmlReader decodes SML datagrams from a serial port.
type SmlReader struct {
	readerCore
	port SerialPort
}

func NewSmlReader(port SerialPort, opts ReaderOpts, logger *zap.Logger) *SmlReader {
	r := &SmlReader{
		readerCore: newReaderCore(ProtocolSML, opts, logger),
		port:       port,
	}
	r.fetchRaw = r.fetchFrame
	return r
}

// fetchFrame reconstructs one SML datagram from the byte stream. Arbitrary
// leading noise is discarded until the start marker appears, then everything
// up to the end marker plus the four trailer bytes is consumed.
func (r *SmlReader) fetchFrame() (*types.Sample, error) {
	var frame []byte
	err := r.port.Transact(func(conn SerialConn) error {
		if _, err := conn.ReadUntil(smlStartSeq); err != nil {
			return fmt.Errorf("waiting for start sequence: %w", err)
		}
		payload, err := conn.ReadUntil(smlEndSeq)
		if err != nil {
			return fmt.Errorf("reading up to end sequence: %w", err)
		}
		trailer, err := conn.ReadBytes(4)
		if err != nil {
			return fmt.Errorf("reading frame trailer: %w", err)
		}
		frame = make([]byte, 0, len(smlStartSeq)+len(payload)+len(trailer))
		frame = append(frame, smlStartSeq...)
		frame = append(frame, payload...)
		frame = append(frame, trailer...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.decodeFrame(frame)
}

func (r *SmlReader) decodeFrame(frame []byte) (*types.Sample, error) {
	if !bytes.HasPrefix(frame, smlStartSeq) {
		return nil, fmt.Errorf("reconstructed frame has malformed start sequence")
	}
	if len(frame) < len(smlStartSeq)+len(smlEndSeq)+4 ||
		!bytes.HasSuffix(frame[len(smlStartSeq):len(frame)-4], smlEndSeq) {
		return nil, fmt.Errorf("reconstructed frame has malformed end sequence")
	}

	// The trailer CRC is advisory at this layer: a mismatch is logged but the
	// frame is still handed to the parser.
	stored := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if computed := crc16.Checksum(frame[:len(frame)-2], smlCRCTable); computed != stored {
		r.logger.Warn("SML frame checksum mismatch",
			zap.String("meter_name", r.meterName),
			zap.Uint16("stored", stored),
			zap.Uint16("computed", computed))
	}

	body := frame[len(smlStartSeq) : len(frame)-len(smlEndSeq)-4]
	fillBytes := int(frame[len(frame)-3])
	if fillBytes > len(body) {
		return nil, fmt.Errorf("fill byte count %d exceeds frame body", fillBytes)
	}
	body = body[:len(body)-fillBytes]

	messages, err := parseSMLBody(body)
	if err != nil {
		return nil, fmt.Errorf("malformed SML frame: %w", err)
	}
	sample := smlSample(messages)
	if sample == nil {
		return nil, fmt.Errorf("SML frame contained no value list")
	}
	return sample, nil
}

// DetectSml probes all serial ports for SML meters. Every candidate port
// gets a throwaway reader; a successful fetch counts as device presence.
func DetectSml(config SerialConfig, logger *zap.Logger) []types.Device {
	var devices []types.Device
	for _, portName := range ListSerialPorts() {
		port := NewSerialPort(portName, config, logger)
		reader := NewSmlReader(port, ReaderOpts{MeterName: portName}, logger)
		sample, err := reader.fetchFrame()
		if err != nil || sample == nil {
			logger.Debug("No SML meter found", zap.String("port", portName))
			continue
		}
		devices = append(devices, types.Device{
			MeterID:  sample.MeterID,
			Address:  portName,
			Protocol: ProtocolSML,
			Channels: sample.Channels,
		})
	}
	return devices
}
