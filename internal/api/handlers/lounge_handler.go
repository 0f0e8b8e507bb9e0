package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/internal/api/jsonrpcx"
	"github.com/danghamo/cozyfocus/internal/app/service"
	"github.com/danghamo/cozyfocus/pkg/logger"
)

// Lounge is the session surface the HTTP API drives
type Lounge interface {
	Snapshot() service.Frame
	Identity() service.Identity
	SetTarget(x, y float64) error
	ToggleMode() service.TimerView
	StartStop() service.TimerView
	Reset() service.TimerView
	SkipPhase() service.TimerView
	SetDurations(focusMinutes, breakMinutes int) (service.TimerView, error)
}

// MoveRequest points the local avatar at a normalized scene position
type MoveRequest struct {
	X float64 `json:"x" example:"0.42"`
	Y float64 `json:"y" example:"0.7"`
}

// MoveResponse echoes the accepted target
type MoveResponse struct {
	TargetX float64 `json:"target_x"`
	TargetY float64 `json:"target_y"`
}

// SetDurationsRequest changes the pomodoro phase lengths
type SetDurationsRequest struct {
	FocusMinutes int `json:"focus_minutes" example:"25"`
	BreakMinutes int `json:"break_minutes" example:"5"`
}

// EmptyRequest is used by methods without params
type EmptyRequest struct{}

// LoungeHandler serves lounge.* methods
type LoungeHandler struct {
	logger *logger.Logger
	lounge Lounge
}

// NewLoungeHandler creates a lounge handler
func NewLoungeHandler(log *logger.Logger, lounge Lounge) *LoungeHandler {
	return &LoungeHandler{logger: log.WithComponent("lounge-handler"), lounge: lounge}
}

// State handles POST /api/v1/lounge.State
// @Summary Current lounge frame
// @Description Render list, online count and timer of the local peer
// @Tags lounge
// @Accept json
// @Produce json
// @Param request body jsonrpcx.RequestT[EmptyRequest] true "JSON-RPC request"
// @Success 200 {object} jsonrpcx.ResponseT[service.Frame] "Current frame"
// @Failure 400 {object} jsonrpcx.ErrorResponse "Invalid request"
// @Router /api/v1/lounge.State [post]
func (h *LoungeHandler) State(w http.ResponseWriter, r *http.Request) {
	req, ok := parse(r)
	if !ok {
		return
	}
	jsonrpcx.Success(w, req.ID, h.lounge.Snapshot())
}

// AvatarHandler serves avatar.* methods
type AvatarHandler struct {
	logger *logger.Logger
	lounge Lounge
}

// NewAvatarHandler creates an avatar handler
func NewAvatarHandler(log *logger.Logger, lounge Lounge) *AvatarHandler {
	return &AvatarHandler{logger: log.WithComponent("avatar-handler"), lounge: lounge}
}

// Move handles POST /api/v1/avatar.Move
// @Summary Move the local avatar
// @Description Sets the pointer target; the avatar walks there at a constant speed
// @Tags avatar
// @Accept json
// @Produce json
// @Param request body jsonrpcx.RequestT[MoveRequest] true "JSON-RPC request with MoveRequest params"
// @Success 200 {object} jsonrpcx.ResponseT[MoveResponse] "Accepted target"
// @Failure 400 {object} jsonrpcx.ErrorResponse "Invalid request parameters"
// @Router /api/v1/avatar.Move [post]
func (h *AvatarHandler) Move(w http.ResponseWriter, r *http.Request) {
	req, ok := parse(r)
	if !ok {
		return
	}

	var params MoveRequest
	if err := jsonrpcx.DecodeParams(req, &params); err != nil {
		jsonrpcx.WithError(r, req.ID, jsonrpcx.InvalidParams, "Invalid params")
		return
	}
	if err := h.lounge.SetTarget(params.X, params.Y); err != nil {
		h.logger.Debug("Rejected avatar target", zap.Error(err))
		jsonrpcx.WithError(r, req.ID, jsonrpcx.CodeFor(err), err.Error())
		return
	}

	jsonrpcx.Success(w, req.ID, MoveResponse{
		TargetX: clampUnit(params.X),
		TargetY: clampUnit(params.Y),
	})
}

// TimerHandler serves timer.* methods
type TimerHandler struct {
	logger *logger.Logger
	lounge Lounge
}

// NewTimerHandler creates a timer handler
func NewTimerHandler(log *logger.Logger, lounge Lounge) *TimerHandler {
	return &TimerHandler{logger: log.WithComponent("timer-handler"), lounge: lounge}
}

// ToggleMode handles POST /api/v1/timer.ToggleMode
// @Summary Switch between solo and shared timer
// @Tags timer
// @Accept json
// @Produce json
// @Param request body jsonrpcx.RequestT[EmptyRequest] true "JSON-RPC request"
// @Success 200 {object} jsonrpcx.ResponseT[service.TimerView] "Timer after the switch"
// @Router /api/v1/timer.ToggleMode [post]
func (h *TimerHandler) ToggleMode(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "toggle_mode", h.lounge.ToggleMode)
}

// StartStop handles POST /api/v1/timer.StartStop
// @Summary Start or pause the timer
// @Tags timer
// @Accept json
// @Produce json
// @Param request body jsonrpcx.RequestT[EmptyRequest] true "JSON-RPC request"
// @Success 200 {object} jsonrpcx.ResponseT[service.TimerView] "Timer after the action"
// @Router /api/v1/timer.StartStop [post]
func (h *TimerHandler) StartStop(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "start_stop", h.lounge.StartStop)
}

// Reset handles POST /api/v1/timer.Reset
// @Summary Reset to a stopped focus phase
// @Tags timer
// @Accept json
// @Produce json
// @Param request body jsonrpcx.RequestT[EmptyRequest] true "JSON-RPC request"
// @Success 200 {object} jsonrpcx.ResponseT[service.TimerView] "Timer after the action"
// @Router /api/v1/timer.Reset [post]
func (h *TimerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "reset", h.lounge.Reset)
}

// SkipPhase handles POST /api/v1/timer.SkipPhase
// @Summary Jump to the next phase
// @Tags timer
// @Accept json
// @Produce json
// @Param request body jsonrpcx.RequestT[EmptyRequest] true "JSON-RPC request"
// @Success 200 {object} jsonrpcx.ResponseT[service.TimerView] "Timer after the action"
// @Router /api/v1/timer.SkipPhase [post]
func (h *TimerHandler) SkipPhase(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "skip_phase", h.lounge.SkipPhase)
}

// SetDurations handles POST /api/v1/timer.SetDurations
// @Summary Change phase lengths
// @Description Lengths are whole minutes; the running timer is clamped into the new bounds
// @Tags timer
// @Accept json
// @Produce json
// @Param request body jsonrpcx.RequestT[SetDurationsRequest] true "JSON-RPC request with SetDurationsRequest params"
// @Success 200 {object} jsonrpcx.ResponseT[service.TimerView] "Timer with the new durations"
// @Failure 400 {object} jsonrpcx.ErrorResponse "Invalid request parameters"
// @Router /api/v1/timer.SetDurations [post]
func (h *TimerHandler) SetDurations(w http.ResponseWriter, r *http.Request) {
	req, ok := parse(r)
	if !ok {
		return
	}

	var params SetDurationsRequest
	if err := jsonrpcx.DecodeParams(req, &params); err != nil {
		jsonrpcx.WithError(r, req.ID, jsonrpcx.InvalidParams, "Invalid params")
		return
	}

	view, err := h.lounge.SetDurations(params.FocusMinutes, params.BreakMinutes)
	if err != nil {
		jsonrpcx.WithError(r, req.ID, jsonrpcx.CodeFor(err), err.Error())
		return
	}

	h.logger.Info("Timer durations changed",
		zap.Int("focus_minutes", params.FocusMinutes),
		zap.Int("break_minutes", params.BreakMinutes))
	jsonrpcx.Success(w, req.ID, view)
}

func (h *TimerHandler) action(w http.ResponseWriter, r *http.Request, name string, run func() service.TimerView) {
	req, ok := parse(r)
	if !ok {
		return
	}
	view := run()
	h.logger.Debug("Timer action",
		zap.String("action", name),
		zap.String("mode", string(view.Mode)),
		zap.String("phase", string(view.Phase)),
		zap.Bool("running", view.IsRunning))
	jsonrpcx.Success(w, req.ID, view)
}

// parse enforces POST and a valid JSON-RPC envelope, attaching the error
// response on failure
func parse(r *http.Request) (*jsonrpcx.Request, bool) {
	if r.Method != http.MethodPost {
		jsonrpcx.WithError(r, nil, jsonrpcx.MethodNotFound, "Method not allowed")
		return nil, false
	}
	req, err := jsonrpcx.ParseRequest(r)
	if err != nil {
		jsonrpcx.WithError(r, nil, jsonrpcx.CodeFor(err), "Invalid JSON-RPC request")
		return nil, false
	}
	return req, true
}

func clampUnit(v float64) float64 {
	return min(max(v, 0), 1)
}
