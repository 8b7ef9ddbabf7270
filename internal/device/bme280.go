package device

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/types"
)

// ProtocolBME280 identifies readers for the Bosch BME280 environmental
// sensor family on I2C.
const ProtocolBME280 = "BME280"

// BME280 register map (datasheet chapter 5).
const (
	bmeRegChipID      = 0xD0
	bmeRegCtrlHum     = 0xF2
	bmeRegCtrlMeas    = 0xF4
	bmeRegConfig      = 0xF5
	bmeRegMeasurement = 0xF7
	bmeRegCal1        = 0x88
	bmeRegCal2        = 0xE1

	bmeCal1Len        = 26
	bmeCal2Len        = 7
	bmeMeasurementLen = 8
)

// Chip ids reported by the sensor family. The BMP280 shares the register
// layout but has no humidity channel.
var bmeChipNames = map[byte]string{
	0x60: "BME280",
	0x58: "BMP280",
}

// Bme280Config selects the operating mode and filtering of the sensor.
// Only values the registers can encode are legal; anything else is a
// configuration mistake and rejected at construction time.
type Bme280Config struct {
	// Mode is "forced" (one conversion per poll) or "normal" (continuous
	// sampling at StandbyTime intervals).
	Mode string
	// Oversampling factors per channel, each one of 1, 2, 4, 8 or 16.
	OversamplingTemperature int
	OversamplingPressure    int
	OversamplingHumidity    int
	// StandbyTimeMs is the pause between conversions in normal mode, one of
	// 0.5, 10, 20, 62.5, 125, 250, 500 or 1000.
	StandbyTimeMs float64
	// FilterCoefficient is the IIR filter setting, one of 0, 2, 4, 8 or 16.
	FilterCoefficient int
	// CacheCalibration keeps the factory calibration in memory after the
	// first read. Disabled during discovery so a swapped sensor is noticed.
	CacheCalibration bool
}

func DefaultBme280Config() Bme280Config {
	return Bme280Config{
		Mode:                    "forced",
		OversamplingTemperature: 2,
		OversamplingPressure:    2,
		OversamplingHumidity:    2,
		StandbyTimeMs:           1000,
		FilterCoefficient:       0,
		CacheCalibration:        true,
	}
}

// Register encodings for the enumerated configuration values
// (datasheet tables 20, 27 and 28).
var (
	bmeOversamplingCodes = map[int]byte{1: 1, 2: 2, 4: 3, 8: 4, 16: 5}
	bmeStandbyCodes      = map[float64]byte{0.5: 0, 62.5: 1, 125: 2, 250: 3, 500: 4, 1000: 5, 10: 6, 20: 7}
	bmeFilterCodes       = map[int]byte{0: 0, 2: 1, 4: 2, 8: 3, 16: 4}
)

func (c Bme280Config) validate() error {
	if c.Mode != "forced" && c.Mode != "normal" {
		return types.ConfigErrorf("BME280 mode must be \"forced\" or \"normal\", got %q", c.Mode)
	}
	for _, os := range []struct {
		name  string
		value int
	}{
		{"temperature", c.OversamplingTemperature},
		{"pressure", c.OversamplingPressure},
		{"humidity", c.OversamplingHumidity},
	} {
		if _, ok := bmeOversamplingCodes[os.value]; !ok {
			return types.ConfigErrorf("illegal BME280 %s oversampling %d", os.name, os.value)
		}
	}
	if _, ok := bmeStandbyCodes[c.StandbyTimeMs]; !ok {
		return types.ConfigErrorf("illegal BME280 standby time %gms", c.StandbyTimeMs)
	}
	if _, ok := bmeFilterCodes[c.FilterCoefficient]; !ok {
		return types.ConfigErrorf("illegal BME280 filter coefficient %d", c.FilterCoefficient)
	}
	return nil
}

// ParseI2CAddress converts the configured device address to the 7 bit bus
// address. Accepts hex ("0x76"), decimal ("118") and addresses with a bus
// suffix ("0x76@I2C(1)").
func ParseI2CAddress(address string) (uint16, error) {
	trimmed := address
	if at := strings.IndexByte(trimmed, '@'); at >= 0 {
		trimmed = trimmed[:at]
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(trimmed), 0, 16)
	if err != nil {
		return 0, types.ConfigErrorf("cannot parse I2C address %q", address)
	}
	if parsed > 0x77 {
		return 0, types.ConfigErrorf("I2C address %#x is outside the valid device range", parsed)
	}
	return uint16(parsed), nil
}

// bmeCalibration holds the decoded factory compensation constants plus the
// raw register content they were decoded from.
type bmeCalibration struct {
	raw []byte

	t1         uint16
	t2, t3     int16
	p1         uint16
	p2, p3, p4 int16
	p5, p6, p7 int16
	p8, p9     int16
	h1, h3     uint8
	h2         int16
	h4, h5     int16
	h6         int8
}

// parseCalibration decodes the two calibration blocks. Block 1 is little
// endian 16 bit words with byte 24 unused and H1 at byte 25. Block 2 packs
// H4 and H5 as two 12 bit values across three bytes in a non-linear nibble
// order: H4 takes byte 3 as its high 8 bits and the low nibble of byte 4,
// H5 takes byte 5 as its high 8 bits and the high nibble of byte 4.
func parseCalibration(cal1, cal2 []byte) (*bmeCalibration, error) {
	if len(cal1) != bmeCal1Len || len(cal2) != bmeCal2Len {
		return nil, fmt.Errorf("calibration blocks have %d and %d bytes", len(cal1), len(cal2))
	}
	u16 := func(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
	s16 := func(b []byte) int16 { return int16(binary.LittleEndian.Uint16(b)) }
	raw := make([]byte, 0, bmeCal1Len+bmeCal2Len)
	raw = append(raw, cal1...)
	raw = append(raw, cal2...)
	return &bmeCalibration{
		raw: raw,
		t1:  u16(cal1[0:2]),
		t2:  s16(cal1[2:4]),
		t3:  s16(cal1[4:6]),
		p1:  u16(cal1[6:8]),
		p2:  s16(cal1[8:10]),
		p3:  s16(cal1[10:12]),
		p4:  s16(cal1[12:14]),
		p5:  s16(cal1[14:16]),
		p6:  s16(cal1[16:18]),
		p7:  s16(cal1[18:20]),
		p8:  s16(cal1[20:22]),
		p9:  s16(cal1[22:24]),
		h1:  cal1[25],
		h2:  s16(cal2[0:2]),
		h3:  cal2[2],
		h4:  signed12(uint16(cal2[3])<<4 | uint16(cal2[4]&0x0F)),
		h5:  signed12(uint16(cal2[5])<<4 | uint16(cal2[4]>>4)),
		h6:  int8(cal2[6]),
	}, nil
}

func signed12(v uint16) int16 {
	if v >= 0x800 {
		return int16(v) - 0x1000
	}
	return int16(v)
}

// identity derives the meter id from the factory calibration. The constants
// are unique per unit, so their hash distinguishes sensors that share a bus
// address and exposes a swapped sensor.
func (c *bmeCalibration) identity(chipName string) string {
	digest := sha256.Sum256(c.raw)
	return chipName + "-" + hex.EncodeToString(digest[:])
}

// compensateTemperature implements the datasheet's double precision
// formula. It returns degrees Celsius plus the fine temperature consumed by
// the pressure and humidity formulas; those are wrong without it.
func (c *bmeCalibration) compensateTemperature(raw int32) (float64, float64) {
	var1 := (float64(raw)/16384.0 - float64(c.t1)/1024.0) * float64(c.t2)
	var2 := (float64(raw)/131072.0 - float64(c.t1)/8192.0) *
		(float64(raw)/131072.0 - float64(c.t1)/8192.0) * float64(c.t3)
	tFine := var1 + var2
	return tFine / 5120.0, tFine
}

// compensatePressure returns Pascal. A zero intermediate denominator means
// the calibration is implausible; the datasheet mandates reporting 0 instead
// of dividing.
func (c *bmeCalibration) compensatePressure(raw int32, tFine float64) float64 {
	var1 := tFine/2.0 - 64000.0
	var2 := var1 * var1 * float64(c.p6) / 32768.0
	var2 = var2 + var1*float64(c.p5)*2.0
	var2 = var2/4.0 + float64(c.p4)*65536.0
	var1 = (float64(c.p3)*var1*var1/524288.0 + float64(c.p2)*var1) / 524288.0
	var1 = (1.0 + var1/32768.0) * float64(c.p1)
	if var1 == 0 {
		return 0
	}
	pressure := 1048576.0 - float64(raw)
	pressure = (pressure - var2/4096.0) * 6250.0 / var1
	var1 = float64(c.p9) * pressure * pressure / 2147483648.0
	var2 = pressure * float64(c.p8) / 32768.0
	return pressure + (var1+var2+float64(c.p7))/16.0
}

// compensateHumidity returns percent relative humidity clamped to [0, 100].
func (c *bmeCalibration) compensateHumidity(raw int32, tFine float64) float64 {
	h := tFine - 76800.0
	h = (float64(raw) - (float64(c.h4)*64.0 + float64(c.h5)/16384.0*h)) *
		(float64(c.h2) / 65536.0 * (1.0 + float64(c.h6)/67108864.0*h*
			(1.0+float64(c.h3)/67108864.0*h)))
	h = h * (1.0 - float64(c.h1)*h/524288.0)
	if h > 100 {
		return 100
	}
	if h < 0 {
		return 0
	}
	return h
}

// Bme280Reader polls a BME280 or BMP280 over I2C.
type Bme280Reader struct {
	readerCore
	port    I2CPort
	address uint16
	config  Bme280Config

	calibration *bmeCalibration

	// sleep is swapped out in tests so forced mode conversions do not wait.
	sleep func(d time.Duration)
}

func NewBme280Reader(port I2CPort, address string, config Bme280Config, opts ReaderOpts, logger *zap.Logger) (*Bme280Reader, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	busAddress, err := ParseI2CAddress(address)
	if err != nil {
		return nil, err
	}
	r := &Bme280Reader{
		readerCore: newReaderCore(ProtocolBME280, opts, logger),
		port:       port,
		address:    busAddress,
		config:     config,
		sleep:      time.Sleep,
	}
	r.fetchRaw = r.fetchMeasurement
	return r, nil
}

func (r *Bme280Reader) fetchMeasurement() (*types.Sample, error) {
	var (
		chipName string
		cal      *bmeCalibration
		data     []byte
	)
	err := r.port.Transact(func(bus I2CBus) error {
		id, err := bus.ReadRegister(r.address, bmeRegChipID, 1)
		if err != nil {
			return fmt.Errorf("reading chip id at %#x: %w", r.address, err)
		}
		name, ok := bmeChipNames[id[0]]
		if !ok {
			return fmt.Errorf("unexpected chip id %#x at address %#x", id[0], r.address)
		}
		chipName = name

		cal, err = r.readCalibration(bus)
		if err != nil {
			return err
		}
		if err := r.configure(bus); err != nil {
			return err
		}
		if r.config.Mode == "forced" {
			r.sleep(r.settleTime())
		}
		data, err = bus.ReadRegister(r.address, bmeRegMeasurement, bmeMeasurementLen)
		if err != nil {
			return fmt.Errorf("reading measurement block: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pressureRaw := int32(data[0])<<12 | int32(data[1])<<4 | int32(data[2])>>4
	temperatureRaw := int32(data[3])<<12 | int32(data[4])<<4 | int32(data[5])>>4
	humidityRaw := int32(data[6])<<8 | int32(data[7])

	temperature, tFine := cal.compensateTemperature(temperatureRaw)
	sample := &types.Sample{
		Time:    time.Now(),
		MeterID: cal.identity(chipName),
		Channels: []types.ChannelValue{
			{Name: "TEMPERATURE", Value: temperature, Unit: "°C"},
			{Name: "PRESSURE", Value: cal.compensatePressure(pressureRaw, tFine), Unit: "Pa"},
		},
	}
	if chipName == "BME280" {
		sample.Channels = append(sample.Channels, types.ChannelValue{
			Name:  "HUMIDITY",
			Value: cal.compensateHumidity(humidityRaw, tFine),
			Unit:  "%",
		})
	}
	return sample, nil
}

func (r *Bme280Reader) readCalibration(bus I2CBus) (*bmeCalibration, error) {
	if r.config.CacheCalibration && r.calibration != nil {
		return r.calibration, nil
	}
	cal1, err := bus.ReadRegister(r.address, bmeRegCal1, bmeCal1Len)
	if err != nil {
		return nil, fmt.Errorf("reading calibration block 1: %w", err)
	}
	cal2, err := bus.ReadRegister(r.address, bmeRegCal2, bmeCal2Len)
	if err != nil {
		return nil, fmt.Errorf("reading calibration block 2: %w", err)
	}
	cal, err := parseCalibration(cal1, cal2)
	if err != nil {
		return nil, err
	}
	if r.config.CacheCalibration {
		r.calibration = cal
	}
	return cal, nil
}

// configure writes the humidity control register first; its content only
// takes effect with the following ctrl_meas write.
func (r *Bme280Reader) configure(bus I2CBus) error {
	if err := bus.WriteRegister(r.address, bmeRegCtrlHum, bmeOversamplingCodes[r.config.OversamplingHumidity]); err != nil {
		return fmt.Errorf("writing humidity control: %w", err)
	}
	mode := byte(0x01) // forced
	if r.config.Mode == "normal" {
		mode = 0x03
		configReg := bmeStandbyCodes[r.config.StandbyTimeMs]<<5 | bmeFilterCodes[r.config.FilterCoefficient]<<2
		if err := bus.WriteRegister(r.address, bmeRegConfig, configReg); err != nil {
			return fmt.Errorf("writing config register: %w", err)
		}
	}
	ctrl := bmeOversamplingCodes[r.config.OversamplingTemperature]<<5 |
		bmeOversamplingCodes[r.config.OversamplingPressure]<<2 | mode
	if err := bus.WriteRegister(r.address, bmeRegCtrlMeas, ctrl); err != nil {
		return fmt.Errorf("writing measurement control: %w", err)
	}
	return nil
}

// settleTime computes the maximum conversion time from the oversampling
// settings (datasheet appendix B).
func (r *Bme280Reader) settleTime() time.Duration {
	ms := 1.25 +
		2.3*float64(r.config.OversamplingTemperature) +
		2.3*float64(r.config.OversamplingPressure) + 0.575 +
		2.3*float64(r.config.OversamplingHumidity) + 0.575
	return time.Duration(ms * float64(time.Millisecond))
}

// DetectBme280 probes the two valid bus addresses of the sensor family.
// Calibration caching is off so repeated scans notice a swapped sensor.
func DetectBme280(port I2CPort, logger *zap.Logger) []types.Device {
	var devices []types.Device
	for _, address := range []string{"0x76", "0x77"} {
		config := DefaultBme280Config()
		config.CacheCalibration = false
		reader, err := NewBme280Reader(port, address, config, ReaderOpts{MeterName: address}, logger)
		if err != nil {
			continue
		}
		sample, err := reader.fetchMeasurement()
		if err != nil || sample == nil {
			logger.Debug("No BME280 found", zap.String("address", address))
			continue
		}
		devices = append(devices, types.Device{
			MeterID:  sample.MeterID,
			Address:  fmt.Sprintf("%s@%s", address, port.Address()),
			Protocol: ProtocolBME280,
			Channels: sample.Channels,
		})
	}
	return devices
}
