package core

import (
	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/device"
	"github.com/Schwaneberg/metercore/internal/types"
)

// DetectAll probes every known interface for supported devices: SML and
// plain text meters on all serial ports, BME280 sensors on I2C bus 1.
// Ports answering one protocol usually time out on the others, so a full
// scan takes several timeout windows.
func DetectAll(logger *zap.Logger) []types.Device {
	var devices []types.Device

	devices = append(devices, device.DetectSml(device.DefaultSerialConfig(), logger)...)

	plainConfig := device.DefaultSerialConfig()
	plainConfig.BaudRate = 2400
	plainConfig.DataBits = 7
	plainConfig.Parity = "EVEN"
	devices = append(devices, device.DetectPlain(plainConfig, logger)...)

	devices = append(devices, device.DetectBme280(device.NewI2CPort(1), logger)...)

	logger.Info("Device scan finished", zap.Int("found", len(devices)))
	return devices
}
