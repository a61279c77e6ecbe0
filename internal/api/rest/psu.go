package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openbenchlab/psuwatch/internal/types"
	"github.com/openbenchlab/psuwatch/internal/watchdog"
	"go.uber.org/zap"
)

// validateCommand reads the request body, checks its shape against the
// command schema and unmarshals it. Malformed commands are dropped with a 400
// and a diagnostic status event; they never reach the queue.
func (s *Server) validateCommand(c *gin.Context, command string, out any) bool {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PSU_400", "Failed to read request body", err.Error()))
		return false
	}

	if err := s.commands.Validate(command, body); err != nil {
		s.logger.Warn("Malformed command dropped",
			zap.String("command", command),
			zap.Error(err))
		s.sink.Publish(watchdog.NewStatusMessage(false,
			fmt.Sprintf("Malformed %s command dropped: %v", command, err)))
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PSU_400", "Invalid request body", err.Error()))
		return false
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("PSU_400", "Invalid request body", err.Error()))
			return false
		}
	}
	return true
}

// channelParam parses and bounds-checks the :ch path parameter.
func (s *Server) channelParam(c *gin.Context) (int, bool) {
	ch, err := strconv.Atoi(c.Param("ch"))
	if err != nil || ch < 1 || ch > s.profile.Channels {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PSU_400",
			"Invalid channel",
			fmt.Sprintf("channel must be 1..%d", s.profile.Channels)))
		return 0, false
	}
	return ch, true
}

func accepted(c *gin.Context, a watchdog.Action) {
	c.JSON(http.StatusAccepted, gin.H{
		"message":   "Command queued",
		"action_id": a.ID.String(),
		"kind":      a.Kind.String(),
	})
}

// GET /api/v1/psu/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.Snapshot())
}

// GET /api/v1/psu/profile
func (s *Server) getProfile(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"profile":            s.profile,
		"absolute_max_power": s.profile.AbsoluteMaxPower(),
	})
}

// POST /api/v1/psu/connect
func (s *Server) connect(c *gin.Context) {
	var req struct {
		Resource string `json:"resource"`
	}
	if !s.validateCommand(c, cmdConnect, &req) {
		return
	}

	resource := req.Resource
	if resource == "" {
		resource = s.resource
	}
	if resource == "" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PSU_400",
			"No instrument resource", "no resource in request or configuration"))
		return
	}

	a := watchdog.ConnectAction(resource)
	s.supervisor.Enqueue(a)
	accepted(c, a)
}

// POST /api/v1/psu/disconnect
func (s *Server) disconnect(c *gin.Context) {
	a := watchdog.DisconnectAction()
	s.supervisor.Enqueue(a)
	accepted(c, a)
}

// POST /api/v1/psu/master
func (s *Server) setMaster(c *gin.Context) {
	var req struct {
		On bool `json:"on"`
	}
	if !s.validateCommand(c, cmdMaster, &req) {
		return
	}

	a := watchdog.SetMasterAction(req.On)
	s.supervisor.Enqueue(a)
	accepted(c, a)
}

// POST /api/v1/psu/interval
//
// Sampling cadence is control state, not a hardware action: it is applied
// directly and takes effect from the next cycle.
func (s *Server) setInterval(c *gin.Context) {
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if !s.validateCommand(c, cmdInterval, &req) {
		return
	}

	applied := s.supervisor.SetInterval(time.Duration(req.Seconds * float64(time.Second)))
	c.JSON(http.StatusOK, gin.H{
		"message":          "Interval updated",
		"interval_seconds": applied.Seconds(),
	})
}

// POST /api/v1/psu/channels/:ch/setpoint
func (s *Server) setChannelSetpoint(c *gin.Context) {
	ch, ok := s.channelParam(c)
	if !ok {
		return
	}

	var req struct {
		V float64 `json:"v"`
		I float64 `json:"i"`
	}
	if !s.validateCommand(c, cmdSetpoint, &req) {
		return
	}

	a := watchdog.SetVIAction(ch, req.V, req.I)
	s.supervisor.Enqueue(a)
	accepted(c, a)
}

// POST /api/v1/psu/channels/:ch/toggle
func (s *Server) toggleChannel(c *gin.Context) {
	ch, ok := s.channelParam(c)
	if !ok {
		return
	}

	a := watchdog.ToggleOutputAction(ch)
	s.supervisor.Enqueue(a)
	accepted(c, a)
}

// POST /api/v1/psu/channels/:ch/limits
//
// Limits are control state read by the poll loop; they are applied directly
// without a round trip through the queue. "inf" or an empty string disables a
// threshold.
func (s *Server) setChannelLimits(c *gin.Context) {
	ch, ok := s.channelParam(c)
	if !ok {
		return
	}

	var req struct {
		Soft any `json:"soft"`
		Hard any `json:"hard"`
	}
	if !s.validateCommand(c, cmdLimits, &req) {
		return
	}

	soft := limitValue(req.Soft)
	hard := limitValue(req.Hard)

	if err := s.supervisor.SetLimits(ch, soft, hard); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PSU_400", "Failed to set limits", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Limits updated",
		"channel": ch,
		"soft":    watchdog.FormatLimit(soft),
		"hard":    watchdog.FormatLimit(hard),
	})
}

// limitValue coerces a schema-validated limit field (string or number) to
// watts.
func limitValue(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return watchdog.ParseLimit(t)
	default:
		return watchdog.ParseLimit("")
	}
}

// GET /api/v1/events
func (s *Server) listEvents(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("PSU_503",
			"Event history disabled", "no database configured"))
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("PSU_400", "Invalid limit", raw))
			return
		}
		limit = parsed
	}

	events, err := s.history.ListEvents(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("PSU_500", "Failed to list events", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}
