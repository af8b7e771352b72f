package server

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskrunner/internal/app/orchestrator"
	"taskrunner/internal/domain/sessionlog"
	"taskrunner/internal/domain/variables"
)

type apiError struct {
	Error   string   `json:"error"`
	Details string   `json:"details,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// RunRequest starts the given tasks. One id runs in single mode.
type RunRequest struct {
	TaskIDs   []string          `json:"task_ids"`
	Variables map[string]string `json:"variables,omitempty"`
}

// RunAllRequest starts every pending task.
type RunAllRequest struct {
	Variables map[string]string `json:"variables,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

func (s *Server) writeError(c *gin.Context, status int, message string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		s.logger.Error("HTTP %d - %s: %v", status, message, err)
	} else {
		s.logger.Warn("HTTP %d - %s", status, message)
	}
	resp := apiError{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

// writeRunError maps orchestrator preflight errors onto status codes.
func (s *Server) writeRunError(c *gin.Context, err error) {
	var missing *variables.MissingError
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		s.writeError(c, http.StatusConflict, "a run is already in progress", nil)
	case errors.As(err, &missing):
		s.logger.Warn("HTTP %d - missing variables: %v", http.StatusUnprocessableEntity, missing.Names)
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, apiError{
			Error:   "missing variable values",
			Details: err.Error(),
			Missing: missing.Names,
		})
	case errors.Is(err, orchestrator.ErrStopped):
		s.writeError(c, http.StatusConflict, "run stopped before it started", nil)
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		s.writeError(c, http.StatusNotFound, "task not found", err)
	default:
		s.writeError(c, http.StatusBadGateway, "failed to start run", err)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.State())
}

func (s *Server) handleTasks(c *gin.Context) {
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		if err := s.orch.Refresh(c.Request.Context()); err != nil {
			s.writeError(c, http.StatusBadGateway, "failed to refresh tasks", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.orch.Tasks()})
}

func (s *Server) handleRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	ids := make([]string, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.writeError(c, http.StatusBadRequest, "task_ids is required", nil)
		return
	}
	// The run outlives the request.
	if err := s.orch.Run(c.Request.Context(), ids, variables.Values(req.Variables)); err != nil {
		s.writeRunError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.orch.State())
}

func (s *Server) handleRunAll(c *gin.Context) {
	var req RunAllRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if err := s.orch.RunAll(c.Request.Context(), variables.Values(req.Variables)); err != nil {
		s.writeRunError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.orch.State())
}

func (s *Server) handleStop(c *gin.Context) {
	s.orch.Stop()
	c.JSON(http.StatusAccepted, s.orch.State())
}

func (s *Server) handleSteps(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Steps())
}

func (s *Server) handleReport(c *gin.Context) {
	report := s.orch.Report()
	if report == nil {
		s.writeError(c, http.StatusNotFound, "no task has run yet", nil)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleSessionLog(c *gin.Context) {
	format, err := sessionlog.ParseFormat(c.Query("format"))
	if err != nil {
		s.writeError(c, http.StatusBadRequest, "unsupported format", err)
		return
	}
	var buf bytes.Buffer
	if err := s.orch.ExportSessionLog(&buf, format); err != nil {
		s.writeError(c, http.StatusInternalServerError, "failed to export session log", err)
		return
	}
	contentType := "application/json; charset=utf-8"
	if format == sessionlog.FormatYAML {
		contentType = "application/yaml; charset=utf-8"
	}
	if download, _ := strconv.ParseBool(c.Query("download")); download {
		c.Header("Content-Disposition", `attachment; filename="session-log.`+string(format)+`"`)
	}
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

func (s *Server) handleClearSessionLog(c *gin.Context) {
	s.orch.ClearSessionLog()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleInspector(c *gin.Context) {
	id := c.Param("taskID")
	entry, ok := s.inspector.Get(id)
	if !ok {
		s.writeError(c, http.StatusNotFound, "no inspector results for task", nil)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
