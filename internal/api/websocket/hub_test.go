package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/types"
)

func TestBroadcastReachesConnectedClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration races with the broadcast below.
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	sample := &types.Sample{
		Time:     time.Now(),
		MeterID:  "1 EMH 00 4921570",
		Channels: []types.ChannelValue{{Name: "1-0:1.8.0*255", Value: 27400268.6, Unit: "Wh"}},
	}
	hub.Broadcast(NewSampleMessage("electricity", sample))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var message struct {
		Type MessageType `json:"type"`
		Data SampleData  `json:"data"`
	}
	if err := json.Unmarshal(payload, &message); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if message.Type != MessageTypeSample {
		t.Errorf("type = %q, want %q", message.Type, MessageTypeSample)
	}
	if message.Data.MeterName != "electricity" {
		t.Errorf("meter name = %q", message.Data.MeterName)
	}
	if message.Data.Sample == nil || message.Data.Sample.MeterID != "1 EMH 00 4921570" {
		t.Errorf("sample = %#v", message.Data.Sample)
	}
}

func TestBroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			hub.Broadcast(NewMessage(MessageTypeSystemStatus, nil))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked without clients")
	}
}

func TestNewSampleMessage(t *testing.T) {
	sample := &types.Sample{MeterID: "abc"}
	message := NewSampleMessage("meter", sample)
	if message.Type != MessageTypeSample {
		t.Errorf("type = %q", message.Type)
	}
	if message.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	data, ok := message.Data.(SampleData)
	if !ok || data.MeterName != "meter" || data.Sample != sample {
		t.Errorf("data = %#v", message.Data)
	}
}
