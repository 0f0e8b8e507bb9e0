package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/internal/api/jsonrpcx"
	"github.com/danghamo/cozyfocus/pkg/logger"
)

// HealthChecker reports whether the realtime transport is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ServerInfo describes this peer process
type ServerInfo struct {
	Room        string `json:"room"`
	GuestID     string `json:"guest_id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
	Driver      string `json:"driver"`
	Address     string `json:"address"`
}

// ServerHandler handles server information and health requests
type ServerHandler struct {
	logger  *logger.Logger
	info    ServerInfo
	checker HealthChecker
}

// NewServerHandler creates a server handler. checker may be nil for
// transports without a remote dependency.
func NewServerHandler(log *logger.Logger, info ServerInfo, checker HealthChecker) *ServerHandler {
	return &ServerHandler{logger: log.WithComponent("server-handler"), info: info, checker: checker}
}

// Info handles POST /api/v1/server.Info
// @Summary Peer information
// @Tags server
// @Accept json
// @Produce json
// @Param request body jsonrpcx.RequestT[EmptyRequest] true "JSON-RPC request"
// @Success 200 {object} jsonrpcx.ResponseT[ServerInfo] "Peer information"
// @Router /api/v1/server.Info [post]
func (h *ServerHandler) Info(w http.ResponseWriter, r *http.Request) {
	req, ok := parse(r)
	if !ok {
		return
	}
	jsonrpcx.Success(w, req.ID, h.info)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the result of one dependency check
type HealthCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HandleHealth handles GET /health
// @Summary Health check
// @Tags server
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *ServerHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	check := HealthCheck{Status: "up"}
	if h.checker != nil {
		if err := h.checker.HealthCheck(r.Context()); err != nil {
			h.logger.Error("Realtime health check failed", zap.String("driver", h.info.Driver), zap.Error(err))
			check = HealthCheck{Status: "down", Error: err.Error()}
		}
	}

	resp := HealthResponse{
		Status: "healthy",
		Checks: map[string]HealthCheck{"realtime": check},
	}
	status := http.StatusOK
	if check.Status != "up" {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
