package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/types"
)

// DebugGateway records uploads in memory instead of sending them anywhere.
// Used for dry runs and in tests.
type DebugGateway struct {
	logger *zap.Logger

	mu    sync.Mutex
	posts map[string]debugPost
}

type debugPost struct {
	time  time.Time
	value float64
}

func NewDebugGateway(logger *zap.Logger) *DebugGateway {
	return &DebugGateway{logger: logger, posts: make(map[string]debugPost)}
}

func (g *DebugGateway) Post(channel types.ChannelUploadInfo, value float64, sampleTime, pollTime time.Time) bool {
	g.mu.Lock()
	g.posts[channel.DestinationID] = debugPost{time: sampleTime, value: value}
	g.mu.Unlock()
	g.logger.Debug("Recorded upload",
		zap.String("destination", channel.DestinationID),
		zap.Time("sample_time", sampleTime),
		zap.Float64("value", value))
	return true
}

func (g *DebugGateway) GetUploadInfo(channel types.ChannelUploadInfo) *types.ChannelUploadInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	post, ok := g.posts[channel.DestinationID]
	if !ok {
		return nil
	}
	seeded := channel
	seeded.LastUpload = post.time
	seeded.LastValue = post.value
	return &seeded
}

func (g *DebugGateway) GetChannels() []types.ChannelDescription {
	return nil
}

func (g *DebugGateway) Interpolate() bool {
	return false
}
