// Package api exposes the agent runtime over HTTP: REST for lifecycle and
// sandbox access, server-sent events for the live stream.
package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent/eventstream"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
	"github.com/helmsman-ai/helmsman/internal/agent/runtime"
	"github.com/helmsman-ai/helmsman/internal/agent/sandbox"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
	v1 "github.com/helmsman-ai/helmsman/pkg/api/v1"
)

// Handler binds the HTTP surface to the runtime and event streamer.
type Handler struct {
	runtime  *runtime.Runtime
	streamer *eventstream.Streamer
	store    repository.Store
	log      *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(rt *runtime.Runtime, streamer *eventstream.Streamer, store repository.Store, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		runtime:  rt,
		streamer: streamer,
		store:    store,
		log:      log.WithFields(zap.String("component", "api")),
	}
}

// CreateAgent handles POST /api/v1/agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req v1.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body"})
		return
	}

	kind := models.FlowKind(req.FlowKind)
	if req.FlowKind == "" {
		kind = models.FlowKindDefault
	}

	actx, err := h.runtime.CreateAgent(c.Request.Context(), currentUser(c), kind,
		models.ModelConfig{Name: req.Model}, req.Env)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrInvalidFlow):
			c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: err.Error()})
		case errors.Is(err, runtime.ErrSandboxUnavailable):
			c.JSON(http.StatusServiceUnavailable, v1.ErrorResponse{Error: err.Error()})
		default:
			h.log.WithError(err).Error("agent creation failed")
			c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "agent creation failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, agentResponse(actx))
}

// ListAgents handles GET /api/v1/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	contexts, err := h.runtime.ListAgents(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("agent listing failed")
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "agent listing failed"})
		return
	}

	out := make([]v1.AgentResponse, 0, len(contexts))
	for _, actx := range contexts {
		out = append(out, agentResponse(actx))
	}
	c.JSON(http.StatusOK, out)
}

// GetAgent handles GET /api/v1/agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	actx, err := h.runtime.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, runtime.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: "agent not found"})
			return
		}
		h.log.WithError(err).Error("agent lookup failed")
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "agent lookup failed"})
		return
	}
	c.JSON(http.StatusOK, agentResponse(actx))
}

// DestroyAgent handles DELETE /api/v1/agents/:id.
func (h *Handler) DestroyAgent(c *gin.Context) {
	if err := h.runtime.DestroyAgent(c.Request.Context(), c.Param("id")); err != nil {
		h.log.WithError(err).Error("agent destroy failed")
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "agent destroy failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// SendMessage handles POST /api/v1/agents/:id/messages.
func (h *Handler) SendMessage(c *gin.Context) {
	var req v1.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Text == "" && len(req.Files) == 0 {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "empty message"})
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	files := make([]runtime.UploadFile, 0, len(req.Files))
	for _, f := range req.Files {
		content, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid file encoding: " + f.Name})
			return
		}
		files = append(files, runtime.UploadFile{Name: f.Name, Content: content})
	}

	err := h.runtime.SendMessage(c.Request.Context(), c.Param("id"), req.Text, req.Timestamp, files)
	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case errors.Is(err, runtime.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: "agent not found"})
	case errors.Is(err, runtime.ErrAgentNotRunning):
		c.JSON(http.StatusConflict, v1.ErrorResponse{Error: "agent is not running"})
	case errors.Is(err, runtime.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, v1.ErrorResponse{Error: "agent is busy"})
	default:
		h.log.WithError(err).Error("message delivery failed")
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "message delivery failed"})
	}
}

// StreamEvents handles GET /api/v1/agents/:id/stream as server-sent
// events. from_sequence resumes a dropped connection; omitted or zero
// replays from the start of the buffer window.
func (h *Handler) StreamEvents(c *gin.Context) {
	agentID := c.Param("id")
	fromSequence, _ := strconv.ParseInt(c.DefaultQuery("from_sequence", "0"), 10, 64)

	if _, err := h.runtime.GetAgent(c.Request.Context(), agentID); err != nil {
		if errors.Is(err, runtime.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: "agent not found"})
			return
		}
		h.log.WithError(err).Error("agent lookup failed")
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "agent lookup failed"})
		return
	}

	ch, err := h.streamer.GetEventStream(c.Request.Context(), agentID, fromSequence)
	if err != nil {
		h.log.WithError(err).Error("stream open failed")
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "stream open failed"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		rec, ok := <-ch
		if !ok {
			return false
		}
		for _, frame := range framesFor(rec) {
			c.SSEvent(frame.Type, frame)
		}
		return true
	})
}

// Shell handles POST /api/v1/agents/:id/shell.
func (h *Handler) Shell(c *gin.Context) {
	var req v1.ShellRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Command == "" {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body"})
		return
	}

	sb, err := h.sandboxFor(c)
	if err != nil {
		return
	}
	res, err := sb.ExecCommand(c.Request.Context(), req.Command)
	if err != nil {
		h.log.WithError(err).Error("shell command failed")
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "shell command failed"})
		return
	}

	exitCode := 0
	if code, ok := res.Data["exit_code"].(int); ok {
		exitCode = code
	}
	c.JSON(http.StatusOK, v1.ShellResponse{Success: res.Success, Output: res.Message, ExitCode: exitCode})
}

// ListFiles handles GET /api/v1/agents/:id/files?path=.
func (h *Handler) ListFiles(c *gin.Context) {
	dir := c.DefaultQuery("path", "/workspace")
	sb, err := h.sandboxFor(c)
	if err != nil {
		return
	}

	files, err := sb.ListFiles(c.Request.Context(), dir)
	if err != nil {
		h.log.WithError(err).Error("file listing failed")
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "file listing failed"})
		return
	}

	out := make([]v1.FileEntry, 0, len(files))
	for _, f := range files {
		out = append(out, v1.FileEntry{Name: f.Name, Path: f.Path, Size: f.Size, IsDir: f.IsDir})
	}
	c.JSON(http.StatusOK, out)
}

// ReadFile handles GET /api/v1/agents/:id/file?path=.
func (h *Handler) ReadFile(c *gin.Context) {
	filePath := c.Query("path")
	if filePath == "" {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "path is required"})
		return
	}
	sb, err := h.sandboxFor(c)
	if err != nil {
		return
	}

	content, err := sb.ReadFile(c.Request.Context(), filePath)
	if err != nil {
		c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: "file not found"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", content)
}

// AgentURLs handles GET /api/v1/agents/:id/urls.
func (h *Handler) AgentURLs(c *gin.Context) {
	sb, err := h.sandboxFor(c)
	if err != nil {
		return
	}
	ctx := c.Request.Context()

	// Each endpoint is optional; a sandbox without a browser simply leaves
	// the field empty.
	out := v1.AgentURLsResponse{}
	if url, err := sb.GetCDPURL(ctx); err == nil {
		out.CDPURL = url
	}
	if url, err := sb.GetVNCURL(ctx); err == nil {
		out.VNCURL = url
	}
	if url, err := sb.GetCodeServerURL(ctx); err == nil {
		out.CodeServerURL = url
	}
	c.JSON(http.StatusOK, out)
}

// ListConversations handles GET /api/v1/conversations.
func (h *Handler) ListConversations(c *gin.Context) {
	conversations, err := h.store.ListConversations(c.Request.Context(), currentUser(c).UserID)
	if err != nil {
		h.log.WithError(err).Error("conversation listing failed")
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "conversation listing failed"})
		return
	}

	out := make([]v1.ConversationResponse, 0, len(conversations))
	for _, conv := range conversations {
		out = append(out, v1.ConversationResponse{
			AgentID:   conv.AgentID,
			FlowKind:  conv.FlowID,
			Title:     conv.Title,
			CreatedAt: conv.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// sandboxFor resolves the agent's sandbox, writing the error response on
// failure.
func (h *Handler) sandboxFor(c *gin.Context) (sandbox.Sandbox, error) {
	sb, err := h.runtime.Sandbox(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrAgentNotFound):
			c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: "agent not found"})
		case errors.Is(err, runtime.ErrAgentNotRunning):
			c.JSON(http.StatusConflict, v1.ErrorResponse{Error: "agent is not running"})
		default:
			h.log.WithError(err).Error("sandbox lookup failed")
			c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "sandbox lookup failed"})
		}
		return nil, err
	}
	return sb, nil
}

func agentResponse(actx *models.AgentContext) v1.AgentResponse {
	out := v1.AgentResponse{
		AgentID:   actx.AgentID,
		FlowKind:  string(actx.FlowKind),
		Status:    string(actx.Status),
		SandboxID: actx.SandboxID,
		CreatedAt: actx.CreatedAt,
		UpdatedAt: actx.UpdatedAt,
	}
	if actx.LastMsg != nil {
		out.LastMessage = actx.LastMsg.Text
	}
	return out
}
