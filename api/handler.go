package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"audex/config"
	"audex/engine"
	"audex/ingest"
	"audex/store"
	"audex/task"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	scheduler *task.Scheduler
	store     *store.Store
	engine    EngineStatus
	cfg       *config.Config
}

// EngineStatus exposes the loader lifecycle to the status endpoint.
type EngineStatus interface {
	State() (engine.LoadState, float64)
}

func NewHandler(s *task.Scheduler, st *store.Store, eng EngineStatus, cfg *config.Config) *Handler {
	return &Handler{
		scheduler: s,
		store:     st,
		engine:    eng,
		cfg:       cfg,
	}
}

// handleCreateTask accepts a multipart upload (file + target format) and
// creates the task. Validation failures map to 4xx with no task created.
func (h *Handler) handleCreateTask(c *gin.Context) {
	format, err := task.ParseFormat(c.DefaultPostForm("format", "mp3"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	src, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open upload", "details": err.Error()})
		return
	}

	t, err := h.scheduler.Add(fh.Filename, fh.Size, fh.Header.Get("Content-Type"), src, format)
	if err != nil {
		src.Close()
		status := http.StatusBadRequest
		if errors.Is(err, ingest.ErrFileTooLarge) {
			status = http.StatusRequestEntityTooLarge
		} else if errors.Is(err, ingest.ErrUnsupportedFormat) {
			status = http.StatusUnsupportedMediaType
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, t)
}

// handleListTasks lists all tasks in insertion order.
func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.List())
}

// handleGetTask retrieves a single task snapshot.
func (h *Handler) handleGetTask(c *gin.Context) {
	t, found := h.scheduler.Get(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleStartTask queues a ready task for conversion.
func (h *Handler) handleStartTask(c *gin.Context) {
	taskID := c.Param("taskId")
	t, found := h.scheduler.Get(taskID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if !h.scheduler.Enqueue(taskID) {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Task cannot start from state %q", t.Status)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task queued"})
}

// handleStartAll queues every ready task.
func (h *Handler) handleStartAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queued": h.scheduler.EnqueueAll()})
}

// handleProbeTask kicks off metadata inspection for a task.
func (h *Handler) handleProbeTask(c *gin.Context) {
	if err := h.scheduler.Probe(c.Param("taskId")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Probe requested"})
}

// handleRemoveTask removes a task and releases its stored bytes.
func (h *Handler) handleRemoveTask(c *gin.Context) {
	if !h.scheduler.Remove(c.Param("taskId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task removed"})
}

// handleClearTasks removes every task that is not currently processing.
func (h *Handler) handleClearTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": h.scheduler.Clear()})
}

// handleDownload streams the finished conversion result.
func (h *Handler) handleDownload(c *gin.Context) {
	t, found := h.scheduler.Get(c.Param("taskId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if t.Status != task.StatusDone || t.Result == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Task has no result yet"})
		return
	}

	f, err := h.store.Open(t.Result.Key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open result", "details": err.Error()})
		return
	}
	defer f.Close()

	filename := downloadName(t.Filename, t.Result.Ext)
	c.DataFromReader(http.StatusOK, t.Result.Size, t.Result.MIME, f, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", filename),
	})
}

// downloadName swaps the upload's extension for the result's.
func downloadName(uploaded, ext string) string {
	base := uploaded
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	if base == "" {
		base = "audio"
	}
	return base + "." + ext
}

type concurrencyRequest struct {
	MaxConcurrency int `json:"maxConcurrency" binding:"required"`
}

// handleSetConcurrency adjusts the admission ceiling at runtime. The
// applied (clamped) value is echoed back.
func (h *Handler) handleSetConcurrency(c *gin.Context) {
	var req concurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	applied := h.scheduler.SetMaxConcurrency(req.MaxConcurrency)
	c.JSON(http.StatusOK, gin.H{"maxConcurrency": applied})
}

// handleEngineStatus reports the loader lifecycle and load progress.
func (h *Handler) handleEngineStatus(c *gin.Context) {
	state, progress := h.engine.State()
	c.JSON(http.StatusOK, gin.H{"state": state, "progress": progress})
}
