package device

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Schwaneberg/metercore/internal/types"
)

// SML type-length fields. The high nibble carries the type, the low nibble
// the length; bit 7 marks a multi-byte length. For everything except lists
// the length includes the TL bytes themselves, lists count elements.
const (
	smlTypeOctet = 0x0
	smlTypeBool  = 0x4
	smlTypeInt   = 0x5
	smlTypeUint  = 0x6
	smlTypeList  = 0x7
)

// Nesting in real frames is 4 levels; anything deeper is malformed input.
const smlMaxDepth = 16

const smlTagGetListResponse = 0x701

type smlKind int

const (
	smlNone smlKind = iota
	smlEndOfMessage
	smlOctet
	smlBool
	smlInt
	smlUint
	smlList
)

// smlValue is one node of the decoded TLV tree.
type smlValue struct {
	kind  smlKind
	octet []byte
	i     int64
	u     uint64
	b     bool
	list  []smlValue
}

// parseSMLBody decodes the message sequence between the start marker and the
// trailer into a list of top-level values (one per SML message).
func parseSMLBody(body []byte) ([]smlValue, error) {
	var messages []smlValue
	for offset := 0; offset < len(body); {
		value, n, err := parseSMLValue(body[offset:], 0)
		if err != nil {
			return nil, fmt.Errorf("at offset %d: %w", offset, err)
		}
		offset += n
		if value.kind == smlEndOfMessage {
			continue
		}
		messages = append(messages, value)
	}
	return messages, nil
}

func parseSMLValue(data []byte, depth int) (smlValue, int, error) {
	if depth > smlMaxDepth {
		return smlValue{}, 0, fmt.Errorf("nesting deeper than %d levels", smlMaxDepth)
	}
	if len(data) == 0 {
		return smlValue{}, 0, fmt.Errorf("unexpected end of data")
	}
	tl := data[0]
	if tl == 0x00 {
		return smlValue{kind: smlEndOfMessage}, 1, nil
	}
	if tl == 0x01 {
		// Optional field that is not set.
		return smlValue{kind: smlNone}, 1, nil
	}

	typ := (tl >> 4) & 0x7
	length := int(tl & 0x0F)
	tlBytes := 1
	for data[tlBytes-1]&0x80 != 0 {
		if tlBytes >= len(data) {
			return smlValue{}, 0, fmt.Errorf("truncated length field")
		}
		next := data[tlBytes]
		length = length<<4 | int(next&0x0F)
		tlBytes++
	}

	if typ == smlTypeList {
		value := smlValue{kind: smlList, list: make([]smlValue, 0, length)}
		offset := tlBytes
		for i := 0; i < length; i++ {
			element, n, err := parseSMLValue(data[offset:], depth+1)
			if err != nil {
				return smlValue{}, 0, err
			}
			value.list = append(value.list, element)
			offset += n
		}
		return value, offset, nil
	}

	payload := length - tlBytes
	if payload < 0 || tlBytes+payload > len(data) {
		return smlValue{}, 0, fmt.Errorf("field length %d exceeds remaining data", length)
	}
	raw := data[tlBytes : tlBytes+payload]

	switch typ {
	case smlTypeOctet:
		return smlValue{kind: smlOctet, octet: raw}, length, nil
	case smlTypeBool:
		if payload != 1 {
			return smlValue{}, 0, fmt.Errorf("boolean with %d payload bytes", payload)
		}
		return smlValue{kind: smlBool, b: raw[0] != 0}, length, nil
	case smlTypeInt:
		if payload == 0 || payload > 8 {
			return smlValue{}, 0, fmt.Errorf("integer with %d payload bytes", payload)
		}
		return smlValue{kind: smlInt, i: decodeSignedBE(raw)}, length, nil
	case smlTypeUint:
		if payload == 0 || payload > 8 {
			return smlValue{}, 0, fmt.Errorf("unsigned with %d payload bytes", payload)
		}
		var u uint64
		for _, b := range raw {
			u = u<<8 | uint64(b)
		}
		return smlValue{kind: smlUint, u: u}, length, nil
	default:
		return smlValue{}, 0, fmt.Errorf("unsupported type nibble 0x%X", typ)
	}
}

func decodeSignedBE(raw []byte) int64 {
	var v int64
	if raw[0]&0x80 != 0 {
		v = -1
	}
	for _, b := range raw {
		v = v<<8 | int64(b)
	}
	return v
}

// OBIS codes carrying the meter identification respectively the vendor tag.
var (
	smlMeterIDCodes      = []string{"1-0:0.0.9", "1-0:96.1.0"}
	smlManufacturerCodes = []string{"129-129:199.130.3", "1-0:96.50.1"}
	smlPublicKeyCode     = "129-129:199.130.5"
)

// EN 62056-62 unit codes observed on SML meters.
var smlUnits = map[uint64]string{
	27: "W",
	28: "VA",
	29: "var",
	30: "Wh",
	31: "VAh",
	32: "varh",
	33: "A",
	35: "V",
	44: "Hz",
	13: "m3",
}

func smlUnitString(code uint64) string {
	if unit, ok := smlUnits[code]; ok {
		return unit
	}
	return fmt.Sprintf("unit(%d)", code)
}

// smlSample extracts a Sample from the decoded messages. Only getListResponse
// bodies contribute; entries with a unit become numeric channels, unit-less
// entries either set the meter id or are emitted as raw channels.
func smlSample(messages []smlValue) *types.Sample {
	var sample *types.Sample
	for _, message := range messages {
		if message.kind != smlList || len(message.list) < 4 {
			continue
		}
		body := message.list[3]
		if body.kind != smlList || len(body.list) != 2 || body.list[0].kind != smlUint {
			continue
		}
		if body.list[0].u&0xFFFF != smlTagGetListResponse {
			continue
		}
		response := body.list[1]
		if response.kind != smlList || len(response.list) < 5 {
			continue
		}
		valList := response.list[4]
		if valList.kind != smlList {
			continue
		}
		for _, entry := range valList.list {
			if entry.kind != smlList || len(entry.list) < 6 {
				continue
			}
			if entry.list[0].kind != smlOctet || len(entry.list[0].octet) != 6 {
				continue
			}
			if sample == nil {
				sample = &types.Sample{Time: time.Now()}
			}
			appendListEntry(sample, entry.list)
		}
	}
	return sample
}

func appendListEntry(sample *types.Sample, entry []smlValue) {
	code := formatOBIS(entry[0].octet)
	unit := entry[3]
	scaler := int64(0)
	if entry[4].kind == smlInt {
		scaler = entry[4].i
	} else if entry[4].kind == smlUint {
		scaler = int64(entry[4].u)
	}
	value := entry[5]

	if unit.kind == smlUint {
		if scaled, ok := scaledValue(value, scaler); ok {
			sample.Channels = append(sample.Channels, types.ChannelValue{
				Name:  code,
				Value: scaled,
				Unit:  smlUnitString(unit.u),
			})
		}
		return
	}

	if hasOBISPrefix(code, smlMeterIDCodes) {
		sample.MeterID = formatServerID(value.octet)
		return
	}
	if strings.HasPrefix(code, smlManufacturerCodes[0]) {
		sample.Channels = append(sample.Channels, types.ChannelValue{Name: code, Value: string(value.octet)})
		return
	}
	if strings.HasPrefix(code, smlPublicKeyCode) {
		sample.Channels = append(sample.Channels, types.ChannelValue{Name: code, Value: hex.EncodeToString(value.octet)})
		return
	}
	switch value.kind {
	case smlOctet:
		sample.Channels = append(sample.Channels, types.ChannelValue{Name: code, Value: value.octet})
	case smlInt:
		sample.Channels = append(sample.Channels, types.ChannelValue{Name: code, Value: value.i})
	case smlUint:
		sample.Channels = append(sample.Channels, types.ChannelValue{Name: code, Value: int64(value.u)})
	case smlBool:
		sample.Channels = append(sample.Channels, types.ChannelValue{Name: code, Value: value.b})
	}
}

func hasOBISPrefix(code string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}

// scaledValue applies the base-10 scaler. A zero scaler keeps the integer
// representation, any other produces a float rounded to the scaler's
// precision to cancel binary fraction noise.
func scaledValue(value smlValue, scaler int64) (any, bool) {
	var raw int64
	switch value.kind {
	case smlInt:
		raw = value.i
	case smlUint:
		raw = int64(value.u)
	default:
		return nil, false
	}
	if scaler == 0 {
		return raw, true
	}
	scaled := float64(raw) * math.Pow10(int(scaler))
	if scaler < 0 {
		precision := math.Pow10(int(-scaler))
		scaled = math.Round(scaled*precision) / precision
	}
	return scaled, true
}

func formatOBIS(raw []byte) string {
	return fmt.Sprintf("%d-%d:%d.%d.%d*%d", raw[0], raw[1], raw[2], raw[3], raw[4], raw[5])
}

// formatServerID renders the 10 byte server id octet string the way meter
// vendors print it on the nameplate: media byte, three ASCII vendor letters,
// two digit block and the serial number.
func formatServerID(raw []byte) string {
	if len(raw) == 10 && (raw[0] == 0x09 || raw[0] == 0x0A) {
		return fmt.Sprintf("%d %s %02d %d", raw[1], raw[2:5], raw[5], binary.BigEndian.Uint32(raw[6:10]))
	}
	return hex.EncodeToString(raw)
}
