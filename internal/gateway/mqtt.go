package gateway

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/metrics"
	"github.com/Schwaneberg/metercore/internal/types"
)

// MQTTOpts configures the broker connection of an MQTTGateway.
type MQTTOpts struct {
	// BrokerURL in paho notation, e.g. "tcp://broker:1883" or "ssl://broker:8883".
	BrokerURL string
	Username  string
	Password  string
	CertFile  string
	KeyFile   string
	ClientID  string
	// TopicPrefix is prepended to every destination id (default "metercore").
	TopicPrefix string
	QoS         byte
	Retain      bool
	// Discovery publishes Home Assistant discovery configs for every channel
	// on first upload.
	Discovery       bool
	DiscoveryPrefix string
}

// MQTTGateway publishes values to an MQTT broker. The broker keeps no
// queryable upload history, so GetUploadInfo always reports unknown and the
// node falls back to its epoch seed.
type MQTTGateway struct {
	client mqtt.Client
	opts   MQTTOpts
	logger *zap.Logger

	announced map[string]bool

	uploads  prometheus.Counter
	failures prometheus.Counter
}

func NewMQTTGateway(opts MQTTOpts, logger *zap.Logger) (*MQTTGateway, error) {
	if opts.BrokerURL == "" {
		return nil, types.ConfigErrorf("MQTT gateway requires a broker URL")
	}
	if opts.ClientID == "" {
		opts.ClientID = "metercore"
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "metercore"
	}
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, types.ConfigErrorf("loading MQTT client certificate: %v", err)
		}
		clientOpts.SetTLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}})
	}

	g := &MQTTGateway{
		client:    mqtt.NewClient(clientOpts),
		opts:      opts,
		logger:    logger,
		announced: make(map[string]bool),
		uploads:   metrics.GatewayUploads.WithLabelValues("mqtt"),
		failures:  metrics.GatewayUploadFailures.WithLabelValues("mqtt"),
	}
	if token := g.client.Connect(); token.WaitTimeout(15*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.BrokerURL, token.Error())
	}
	return g, nil
}

func (g *MQTTGateway) Post(channel types.ChannelUploadInfo, value float64, sampleTime, pollTime time.Time) bool {
	if g.opts.Discovery && !g.announced[channel.DestinationID] {
		g.publishDiscovery(channel)
		g.announced[channel.DestinationID] = true
	}
	payload, err := json.Marshal(map[string]any{
		"value":     value,
		"timestamp": sampleTime.UnixMilli(),
	})
	if err != nil {
		g.failures.Inc()
		return false
	}
	topic := g.opts.TopicPrefix + "/" + channel.DestinationID
	token := g.client.Publish(topic, g.opts.QoS, g.opts.Retain, payload)
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		g.logger.Error("MQTT publish failed",
			zap.String("topic", topic),
			zap.Float64("value", value),
			zap.Error(token.Error()))
		g.failures.Inc()
		return false
	}
	g.logger.Debug("Published value",
		zap.String("topic", topic),
		zap.Float64("value", value))
	g.uploads.Inc()
	return true
}

// publishDiscovery announces the channel to Home Assistant. The value
// template matches the JSON payload format of Post.
func (g *MQTTGateway) publishDiscovery(channel types.ChannelUploadInfo) {
	config := map[string]any{
		"name":           channel.DestinationID,
		"state_topic":    g.opts.TopicPrefix + "/" + channel.DestinationID,
		"unique_id":      g.opts.ClientID + "-" + channel.DestinationID,
		"value_template": "{{ value_json.value }}",
	}
	if channel.DeviceClass != "" {
		config["device_class"] = channel.DeviceClass
	}
	if channel.UnitHint != "" {
		config["unit_of_measurement"] = channel.UnitHint
	}
	payload, err := json.Marshal(config)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/sensor/%s/%s/config", g.opts.DiscoveryPrefix, g.opts.ClientID, channel.DestinationID)
	token := g.client.Publish(topic, g.opts.QoS, true, payload)
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		g.logger.Warn("Discovery announcement failed",
			zap.String("topic", topic),
			zap.Error(token.Error()))
	}
}

func (g *MQTTGateway) GetUploadInfo(channel types.ChannelUploadInfo) *types.ChannelUploadInfo {
	return nil
}

func (g *MQTTGateway) GetChannels() []types.ChannelDescription {
	return nil
}

func (g *MQTTGateway) Interpolate() bool {
	return false
}

// Close disconnects from the broker, allowing queued messages to drain.
func (g *MQTTGateway) Close() {
	g.client.Disconnect(250)
}
