package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/config"
	"github.com/Schwaneberg/metercore/internal/device"
	"github.com/Schwaneberg/metercore/internal/gateway"
	"github.com/Schwaneberg/metercore/internal/types"
)

// Supervisor owns the full runtime assembly: one reader per configured
// device, an interface registry preventing double-claimed ports, one node
// and one task per registered meter.
type Supervisor struct {
	cfg      *config.Config
	gateway  gateway.Gateway
	registry *device.Registry
	logger   *zap.Logger

	readers map[string]device.Reader
	nodes   []*ReaderNode
	tasks   []*Task

	// onSample fans polled samples out to the archive and the live stream.
	onSample func(meterName string, sample *types.Sample)
}

func NewSupervisor(cfg *config.Config, gw gateway.Gateway, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		gateway:  gw,
		registry: device.NewRegistry(),
		logger:   logger,
		readers:  make(map[string]device.Reader),
	}
}

// SetSampleSink installs the fan-out callback. Must be called before Setup.
func (s *Supervisor) SetSampleSink(fn func(meterName string, sample *types.Sample)) {
	s.onSample = fn
}

// Setup builds readers and nodes for every configured device. Configuration
// mistakes (bad addresses, double-claimed interfaces, illegal sensor
// settings) abort; devices that merely fail to answer are skipped and
// logged, matching their transient nature.
func (s *Supervisor) Setup() error {
	for name, dev := range s.cfg.Devices {
		reader, address, err := s.buildReader(name, dev)
		if err != nil {
			return err
		}
		if err := s.registry.Claim(address, name); err != nil {
			return err
		}
		s.readers[name] = reader

		sample := reader.Poll()
		if sample == nil {
			s.logger.Warn("Could not read configured meter",
				zap.String("meter_name", name),
				zap.String("protocol", dev.Protocol))
			continue
		}
		channels := matchChannels(dev.Channels, sample)
		if len(channels) == 0 {
			s.logger.Warn("No configured channels found on meter",
				zap.String("meter_name", name),
				zap.String("meter_id", sample.MeterID))
			continue
		}

		node := NewReaderNode(channels, reader, s.gateway, s.logger)
		if s.onSample != nil {
			meterName := name
			node.SetSampleObserver(func(sample *types.Sample) {
				s.onSample(meterName, sample)
			})
		}
		// First push with the sample already in hand; a node that cannot
		// complete it is not registered.
		if !node.PollAndPush(sample) {
			s.logger.Error("Initial upload failed, not registering node",
				zap.String("meter_name", name),
				zap.String("meter_id", sample.MeterID))
			continue
		}
		s.nodes = append(s.nodes, node)
	}
	s.logger.Info("Supervisor assembled",
		zap.Int("devices", len(s.cfg.Devices)),
		zap.Int("registered_nodes", len(s.nodes)))
	return nil
}

// matchChannels resolves the configured channel names against the names the
// meter actually reported, using normalized containment so separators and
// case in the configuration do not matter. The map is keyed by the exact
// reported name.
func matchChannels(configured map[string]config.ChannelConfig, sample *types.Sample) map[string]types.ChannelUploadInfo {
	matched := make(map[string]types.ChannelUploadInfo)
	for _, channel := range sample.Channels {
		reported := types.NormalizeID(channel.Name)
		for configuredName, channelCfg := range configured {
			if !strings.Contains(reported, types.NormalizeID(configuredName)) {
				continue
			}
			matched[channel.Name] = types.ChannelUploadInfo{
				DestinationID: channelCfg.UUID,
				Interval:      channelCfg.Interval,
				Factor:        channelCfg.Factor,
				DeviceClass:   channelCfg.DeviceClass,
				UnitHint:      channelCfg.Unit,
			}
		}
	}
	return matched
}

func (s *Supervisor) buildReader(name string, dev config.DeviceConfig) (device.Reader, string, error) {
	opts := device.ReaderOpts{
		ExpectedID:    dev.ID,
		MeterName:     name,
		CacheInterval: dev.CacheInterval,
	}
	switch dev.Protocol {
	case device.ProtocolSML:
		serialCfg := device.DefaultSerialConfig()
		serialCfg.BaudRate = dev.BaudRate
		port := device.NewSerialPort(dev.Address, serialCfg, s.logger)
		return device.NewSmlReader(port, opts, s.logger), dev.Address, nil
	case device.ProtocolPlain:
		serialCfg := device.DefaultSerialConfig()
		serialCfg.BaudRate = dev.BaudRate
		serialCfg.DataBits = 7
		serialCfg.Parity = "EVEN"
		port := device.NewSerialPort(dev.Address, serialCfg, s.logger)
		return device.NewPlainReader(port, device.DefaultPlainOpts(), opts, s.logger), dev.Address, nil
	case device.ProtocolBME280:
		bus, err := parseBusNumber(dev.Address)
		if err != nil {
			return nil, "", err
		}
		port := device.NewI2CPort(bus)
		reader, err := device.NewBme280Reader(port, dev.Address, bme280Config(dev.Bme280), opts, s.logger)
		if err != nil {
			return nil, "", err
		}
		return reader, port.Address(), nil
	default:
		return nil, "", types.ConfigErrorf("device %q: unsupported protocol %q", name, dev.Protocol)
	}
}

func bme280Config(cfg config.Bme280DeviceConfig) device.Bme280Config {
	result := device.DefaultBme280Config()
	if cfg.Mode != "" {
		result.Mode = cfg.Mode
	}
	if cfg.OversamplingTemperature != 0 {
		result.OversamplingTemperature = cfg.OversamplingTemperature
	}
	if cfg.OversamplingPressure != 0 {
		result.OversamplingPressure = cfg.OversamplingPressure
	}
	if cfg.OversamplingHumidity != 0 {
		result.OversamplingHumidity = cfg.OversamplingHumidity
	}
	if cfg.StandbyTimeMs != 0 {
		result.StandbyTimeMs = cfg.StandbyTimeMs
	}
	if cfg.FilterCoefficient != 0 {
		result.FilterCoefficient = cfg.FilterCoefficient
	}
	return result
}

var busPattern = regexp.MustCompile(`@I2C\((\d+)\)$`)

// parseBusNumber extracts the bus id from addresses like "0x76@I2C(1)".
// A bare device address defaults to bus 1, the usual Raspberry Pi wiring.
func parseBusNumber(address string) (int, error) {
	match := busPattern.FindStringSubmatch(address)
	if match == nil {
		if strings.Contains(address, "@") {
			return 0, types.ConfigErrorf("cannot parse I2C bus from address %q", address)
		}
		return 1, nil
	}
	bus, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, types.ConfigErrorf("cannot parse I2C bus from address %q", address)
	}
	return bus, nil
}

// Start launches one task per registered node.
func (s *Supervisor) Start() {
	for _, node := range s.nodes {
		task := StartTask(node, s.logger)
		s.logger.Info("Started poll task",
			zap.String("meter_name", node.MeterName()),
			zap.Duration("interval", task.Interval()))
		s.tasks = append(s.tasks, task)
	}
}

// Stop requests shutdown of all tasks and waits for in-flight cycles.
func (s *Supervisor) Stop() {
	for _, task := range s.tasks {
		task.Stop()
	}
	for _, task := range s.tasks {
		task.Wait()
	}
	s.logger.Info("All poll tasks stopped")
}

// Readers exposes the assembled readers for the REST status endpoints.
func (s *Supervisor) Readers() map[string]device.Reader {
	return s.readers
}

func (s *Supervisor) NodeCount() int {
	return len(s.nodes)
}

// Status summarizes the supervisor for the API.
func (s *Supervisor) Status() map[string]any {
	meters := make([]string, 0, len(s.readers))
	for name := range s.readers {
		meters = append(meters, name)
	}
	return map[string]any{
		"configured_devices": len(s.cfg.Devices),
		"registered_nodes":   len(s.nodes),
		"meters":             meters,
		"middleware":         fmt.Sprintf("%T", s.gateway),
	}
}
