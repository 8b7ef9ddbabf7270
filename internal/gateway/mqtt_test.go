package gateway

import (
	"testing"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/types"
)

func TestMQTTGatewayRequiresBrokerURL(t *testing.T) {
	_, err := NewMQTTGateway(MQTTOpts{}, zap.NewNop())
	if err == nil || !types.IsConfigurationError(err) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

func TestMQTTGatewayRejectsMissingCertificate(t *testing.T) {
	_, err := NewMQTTGateway(MQTTOpts{
		BrokerURL: "ssl://localhost:8883",
		CertFile:  "/nonexistent/client.crt",
		KeyFile:   "/nonexistent/client.key",
	}, zap.NewNop())
	if err == nil || !types.IsConfigurationError(err) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}
