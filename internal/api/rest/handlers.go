package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Schwaneberg/metercore/internal/types"
)

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.Status())
}

// listDevices reports the configured readers with their latest cached
// sample. Retrieve respects each reader's cache interval, so hammering this
// endpoint does not hammer the hardware.
func (s *Server) listDevices(c *gin.Context) {
	type deviceStatus struct {
		MeterName string        `json:"meter_name"`
		Protocol  string        `json:"protocol"`
		Sample    *types.Sample `json:"sample,omitempty"`
	}
	devices := make([]deviceStatus, 0, len(s.supervisor.Readers()))
	for name, reader := range s.supervisor.Readers() {
		devices = append(devices, deviceStatus{
			MeterName: name,
			Protocol:  reader.Protocol(),
			Sample:    reader.Retrieve(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) listSamples(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("archive_disabled", "archive is disabled", nil))
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("bad_request", "limit must be a positive integer", nil))
			return
		}
		limit = parsed
	}
	readings, err := s.archive.RecentReadings(c.Request.Context(), c.Query("meter_id"), limit)
	if err != nil {
		s.logger.Error("Failed to query archive", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("internal_error", "archive query failed", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"readings": readings})
}
