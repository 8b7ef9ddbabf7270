// Package core binds readers to upload destinations and runs the periodic
// poll-gate-push cycle for every configured meter.
package core

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/device"
	"github.com/Schwaneberg/metercore/internal/gateway"
	"github.com/Schwaneberg/metercore/internal/types"
)

// DefaultPollInterval keeps the scheduler alive for nodes without upload
// channels.
const DefaultPollInterval = 5 * time.Minute

// ReaderNode maps one reader's channels to middleware destinations and owns
// their upload state. All mutation happens on the node's single worker, so
// the channel map needs no locking.
type ReaderNode struct {
	channels map[string]*types.ChannelUploadInfo
	reader   device.Reader
	gateway  gateway.Gateway
	logger   *zap.Logger

	// onSample observes every successfully polled sample (archive, live
	// stream). May be nil.
	onSample func(*types.Sample)

	now func() time.Time
}

// NewReaderNode seeds the upload state of every configured channel from the
// middleware. When the middleware cannot answer, the state starts at the
// epoch with a sentinel value so the first real reading is always due.
func NewReaderNode(channels map[string]types.ChannelUploadInfo, reader device.Reader, gw gateway.Gateway, logger *zap.Logger) *ReaderNode {
	node := &ReaderNode{
		channels: make(map[string]*types.ChannelUploadInfo, len(channels)),
		reader:   reader,
		gateway:  gw,
		logger:   logger,
		now:      time.Now,
	}
	for name, info := range channels {
		seeded := gw.GetUploadInfo(info)
		if seeded == nil {
			logger.Warn("No previous upload state in middleware",
				zap.String("meter_name", reader.MeterName()),
				zap.String("destination", info.DestinationID))
			seeded = &info
			seeded.LastUpload = time.Time{}
			seeded.LastValue = -1
		}
		key := types.NormalizeID(name)
		node.channels[key] = seeded
	}
	return node
}

func (n *ReaderNode) MeterName() string {
	return n.reader.MeterName()
}

// SetSampleObserver installs a callback invoked with every successfully
// polled sample before gating. Must be called before the node's task starts.
func (n *ReaderNode) SetSampleObserver(fn func(*types.Sample)) {
	n.onSample = fn
}

// PollInterval is the node's wake-up period: the greatest common divisor of
// all channel upload intervals, so every channel becomes due on a cycle
// boundary.
func (n *ReaderNode) PollInterval() time.Duration {
	var result time.Duration
	for _, channel := range n.channels {
		result = gcd(result, channel.Interval)
	}
	if result <= 0 {
		return DefaultPollInterval
	}
	return result
}

func gcd(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// PollAndPush runs one cycle: poll (unless a prefetched sample is given),
// gate every configured channel against its interval and push the due ones.
// Returns true when no channel errored; skipped not-yet-due channels count
// as handled.
func (n *ReaderNode) PollAndPush(sample *types.Sample) bool {
	now := n.now()
	posted := 0
	if sample == nil {
		sample = n.reader.Poll()
	}
	if sample == nil {
		n.logger.Error("No data from meter, skipping interval",
			zap.String("meter_name", n.reader.MeterName()))
		return false
	}
	if n.onSample != nil {
		n.onSample(sample)
	}
	for _, channel := range sample.Channels {
		if channel.Unit == "" {
			continue
		}
		info, ok := n.channels[types.NormalizeID(channel.Name)]
		if !ok {
			continue
		}
		value, err := castValue(channel.Value, info.Factor)
		if err != nil {
			n.logger.Error("Unable to cast channel value",
				zap.String("meter_name", n.reader.MeterName()),
				zap.String("channel", channel.Name),
				zap.Any("value", channel.Value))
			continue
		}
		if info.LastUpload.Add(info.Interval).After(now) {
			n.logger.Debug("Skipping upload, channel not due",
				zap.String("destination", info.DestinationID))
			posted++
			continue
		}
		if n.gateway.Interpolate() {
			n.pushInterpolated(info, value, now)
		}
		if n.gateway.Post(*info, value, sample.Time, now) {
			info.LastUpload = now
			info.LastValue = value
			posted++
		} else {
			n.logger.Error("Upload failed",
				zap.String("destination", info.DestinationID),
				zap.Float64("value", value))
		}
	}
	return posted == len(n.channels)
}

// pushInterpolated synthesizes hourly points between the previous upload and
// the new value so the middleware can draw a line across the gap. Gaps over
// 24 hours are treated as a discontinuity and left empty.
func (n *ReaderNode) pushInterpolated(info *types.ChannelUploadInfo, value float64, now time.Time) {
	gap := now.Sub(info.LastUpload)
	hours := int(gap / time.Hour)
	if hours > 24 {
		return
	}
	diff := value - info.LastValue
	for hour := 1; hour < hours; hour++ {
		pointTime := info.LastUpload.Add(time.Duration(hour) * time.Hour)
		pointValue := info.LastValue + diff*float64(hour)/float64(hours)
		n.gateway.Post(*info, pointValue, pointTime, now)
	}
}

// castValue converts a channel value to a number scaled by the configured
// factor. Numeric strings become integers when possible, floats otherwise.
func castValue(value any, factor float64) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v * factor, nil
	case int64:
		return float64(v) * factor, nil
	case int:
		return float64(v) * factor, nil
	case string:
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return float64(parsed) * factor, nil
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", v)
		}
		return parsed * factor, nil
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", value)
	}
}
