// Package gateway contains the upload clients for the supported telemetry
// middlewares. A Gateway never decides when to upload; scheduling, gating
// and interpolation stay with the reader node.
package gateway

import (
	"time"

	"github.com/Schwaneberg/metercore/internal/types"
)

// Gateway is the upload contract consumed by reader nodes.
type Gateway interface {
	// Post uploads one value for one destination channel. Returns false on
	// any failure; the node retries on its next cycle.
	Post(channel types.ChannelUploadInfo, value float64, sampleTime, pollTime time.Time) bool
	// GetUploadInfo returns the last known upload state for a channel, or
	// nil when the middleware cannot answer. Used once at node construction
	// to seed gating state.
	GetUploadInfo(channel types.ChannelUploadInfo) *types.ChannelUploadInfo
	// GetChannels lists the destinations the middleware knows about.
	GetChannels() []types.ChannelDescription
	// Interpolate reports whether the middleware wants hourly intermediate
	// points pushed across upload gaps.
	Interpolate() bool
}
