package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/metrics"
	"github.com/Schwaneberg/metercore/internal/types"
)

const (
	vzDataPath = "data"
	vzSuffix   = ".json"
)

// VolkszaehlerGateway uploads to a Volkszaehler middleware over its REST
// interface. Values are posted as form data with millisecond timestamps.
type VolkszaehlerGateway struct {
	url         string
	interpolate bool
	client      *http.Client
	logger      *zap.Logger

	uploads  prometheus.Counter
	failures prometheus.Counter
}

func NewVolkszaehlerGateway(middlewareURL string, interpolate bool, logger *zap.Logger) *VolkszaehlerGateway {
	return &VolkszaehlerGateway{
		url:         middlewareURL,
		interpolate: interpolate,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		uploads:     metrics.GatewayUploads.WithLabelValues("volkszaehler"),
		failures:    metrics.GatewayUploadFailures.WithLabelValues("volkszaehler"),
	}
}

func (g *VolkszaehlerGateway) Post(channel types.ChannelUploadInfo, value float64, sampleTime, pollTime time.Time) bool {
	endpoint := URLJoin(g.url, vzDataPath, channel.DestinationID, vzSuffix)
	form := url.Values{
		"ts":    {strconv.FormatInt(sampleTime.UnixMilli(), 10)},
		"value": {strconv.FormatFloat(value, 'f', -1, 64)},
	}
	response, err := g.client.PostForm(endpoint, form)
	if err != nil {
		g.logger.Error("Upload failed",
			zap.String("url", endpoint),
			zap.Float64("value", value),
			zap.Error(err))
		g.failures.Inc()
		return false
	}
	defer response.Body.Close()
	if response.StatusCode >= 400 {
		g.logger.Error("Middleware rejected upload",
			zap.String("url", endpoint),
			zap.Float64("value", value),
			zap.Int("status", response.StatusCode))
		g.failures.Inc()
		return false
	}
	g.logger.Info("Uploaded value",
		zap.String("destination", channel.DestinationID),
		zap.Float64("value", value),
		zap.Time("sample_time", sampleTime))
	g.uploads.Inc()
	return true
}

// vzTuple is [timestamp_ms, value, ...extras]; extras are ignored.
type vzDataResponse struct {
	Data struct {
		Rows   int         `json:"rows"`
		Tuples [][]float64 `json:"tuples"`
	} `json:"data"`
}

// GetUploadInfo queries the newest stored tuple of a channel so gating can
// resume where a previous process left off.
func (g *VolkszaehlerGateway) GetUploadInfo(channel types.ChannelUploadInfo) *types.ChannelUploadInfo {
	endpoint := URLJoin(g.url, vzDataPath, channel.DestinationID, vzSuffix)
	endpoint += fmt.Sprintf("?options=raw&to=%d", time.Now().UnixMilli())
	response, err := g.client.Get(endpoint)
	if err != nil {
		g.logger.Error("Upload info query failed", zap.String("url", endpoint), zap.Error(err))
		return nil
	}
	defer response.Body.Close()
	if response.StatusCode >= 400 {
		g.logger.Error("Upload info query rejected",
			zap.String("url", endpoint),
			zap.Int("status", response.StatusCode))
		return nil
	}
	var parsed vzDataResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		g.logger.Error("Upload info response unreadable", zap.String("url", endpoint), zap.Error(err))
		return nil
	}
	if parsed.Data.Rows == 0 || len(parsed.Data.Tuples) == 0 {
		return nil
	}
	tuples := parsed.Data.Tuples
	sort.Slice(tuples, func(i, j int) bool { return tuples[i][0] < tuples[j][0] })
	latest := tuples[len(tuples)-1]
	if len(latest) < 2 {
		return nil
	}
	seeded := channel
	seeded.LastUpload = time.UnixMilli(int64(latest[0])).UTC()
	seeded.LastValue = latest[1]
	g.logger.Info("Resuming channel state from middleware",
		zap.String("destination", channel.DestinationID),
		zap.Time("last_upload", seeded.LastUpload),
		zap.Float64("last_value", seeded.LastValue))
	return &seeded
}

func (g *VolkszaehlerGateway) GetChannels() []types.ChannelDescription {
	endpoint := URLJoin(g.url, "channel.json")
	response, err := g.client.Get(endpoint)
	if err != nil {
		g.logger.Error("Channel listing failed", zap.String("url", endpoint), zap.Error(err))
		return nil
	}
	defer response.Body.Close()
	if response.StatusCode >= 400 {
		g.logger.Error("Channel listing rejected",
			zap.String("url", endpoint),
			zap.Int("status", response.StatusCode))
		return nil
	}
	var parsed struct {
		Channels []types.ChannelDescription `json:"channels"`
	}
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		g.logger.Error("Channel listing unreadable", zap.String("url", endpoint), zap.Error(err))
		return nil
	}
	channels := parsed.Channels[:0]
	for _, channel := range parsed.Channels {
		if channel.DestinationID == "" || channel.Title == "" {
			g.logger.Error("Skipping incomplete channel listing entry",
				zap.String("uuid", channel.DestinationID),
				zap.String("title", channel.Title))
			continue
		}
		channels = append(channels, channel)
	}
	return channels
}

func (g *VolkszaehlerGateway) Interpolate() bool {
	return g.interpolate
}

// URLJoin assembles a middleware URL from path fragments, defaulting to
// http when no scheme is given. A fragment starting with a dot attaches as
// a suffix instead of a path segment.
func URLJoin(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed = append(trimmed, strings.Trim(part, "/"))
	}
	joined := strings.Join(trimmed, "/")
	if !strings.HasPrefix(joined, "http") {
		joined = "http://" + joined
	}
	return strings.ReplaceAll(joined, "/.", ".")
}
