// Package config loads and validates the process configuration from YAML,
// with environment variable overrides under the METERCORE_ prefix.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/Schwaneberg/metercore/internal/types"
)

type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Archive    ArchiveConfig           `mapstructure:"archive"`
	Middleware MiddlewareConfig        `mapstructure:"middleware"`
	Devices    map[string]DeviceConfig `mapstructure:"devices"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ArchiveConfig points at the local sample archive. An empty path disables
// archiving.
type ArchiveConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type MiddlewareConfig struct {
	Type          string     `mapstructure:"type"`
	MiddlewareURL string     `mapstructure:"middleware_url"`
	Interpolate   bool       `mapstructure:"interpolate"`
	MQTT          MQTTConfig `mapstructure:"mqtt"`
}

type MQTTConfig struct {
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	CertFile    string `mapstructure:"certfile"`
	KeyFile     string `mapstructure:"keyfile"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
	Retain      bool   `mapstructure:"retain"`
	Discovery   bool   `mapstructure:"discovery"`
}

type DeviceConfig struct {
	ID            string                   `mapstructure:"id"`
	Protocol      string                   `mapstructure:"protocol"`
	Address       string                   `mapstructure:"address"`
	BaudRate      int                      `mapstructure:"baudrate"`
	CacheInterval time.Duration            `mapstructure:"cache_interval"`
	Bme280        Bme280DeviceConfig       `mapstructure:"bme280"`
	Channels      map[string]ChannelConfig `mapstructure:"channels"`
}

type Bme280DeviceConfig struct {
	Mode                    string  `mapstructure:"mode"`
	OversamplingTemperature int     `mapstructure:"oversampling_temperature"`
	OversamplingPressure    int     `mapstructure:"oversampling_pressure"`
	OversamplingHumidity    int     `mapstructure:"oversampling_humidity"`
	StandbyTimeMs           float64 `mapstructure:"standby_time_ms"`
	FilterCoefficient       int     `mapstructure:"filter_coefficient"`
}

type ChannelConfig struct {
	UUID        string        `mapstructure:"uuid"`
	Interval    time.Duration `mapstructure:"interval"`
	Factor      float64       `mapstructure:"factor"`
	DeviceClass string        `mapstructure:"device_class"`
	Unit        string        `mapstructure:"unit"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("archive.retention", "720h")
	viper.SetDefault("middleware.type", "debug")
	viper.SetDefault("middleware.interpolate", true)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("METERCORE")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	for name, dev := range c.Devices {
		if dev.BaudRate == 0 {
			dev.BaudRate = 9600
		}
		for channelName, channel := range dev.Channels {
			if channel.Interval == 0 {
				channel.Interval = time.Hour
			}
			if channel.Factor == 0 {
				channel.Factor = 1
			}
			dev.Channels[channelName] = channel
		}
		c.Devices[name] = dev
	}
}

// Validate rejects configurations a human got wrong: unknown middleware
// types, malformed destination uuids and device sections violating the
// embedded schema. Runtime conditions are not checked here.
func (c *Config) Validate() error {
	switch c.Middleware.Type {
	case "volkszaehler", "mqtt":
		if c.Middleware.MiddlewareURL == "" {
			return types.ConfigErrorf("%s middleware requires middleware_url", c.Middleware.Type)
		}
	case "debug":
	default:
		return types.ConfigErrorf("middleware type %q is not supported", c.Middleware.Type)
	}

	validator, err := NewDeviceValidator()
	if err != nil {
		return err
	}
	for name, dev := range c.Devices {
		if err := validator.ValidateDevice(name, dev); err != nil {
			return err
		}
		if c.Middleware.Type == "volkszaehler" {
			for channelName, channel := range dev.Channels {
				if _, err := uuid.Parse(channel.UUID); err != nil {
					return types.ConfigErrorf("device %q channel %q: %q is not a valid uuid",
						name, channelName, channel.UUID)
				}
			}
		}
	}
	return nil
}
