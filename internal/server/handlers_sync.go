package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rundownlab/rundown/internal/posts"
	"github.com/rundownlab/rundown/internal/syncing"
)

type syncRequestPayload struct {
	Source           string          `json:"source"`
	Action           string          `json:"action"`
	EntityType       string          `json:"entity_type"`
	Data             json.RawMessage `json:"data"`
	Version          *int64          `json:"version,omitempty"`
	TimestampSeconds int64           `json:"timestamp"`
	APIKey           string          `json:"api_key,omitempty"`
}

func (h *httpHandler) handleSyncFromReplica(c *gin.Context) {
	h.handleSync(c, false)
}

// handleSyncFromDisplayClient accepts the restricted display-client subset:
// updates touching status and notes only.
func (h *httpHandler) handleSyncFromDisplayClient(c *gin.Context) {
	h.handleSync(c, true)
}

func (h *httpHandler) handleSync(c *gin.Context, restricted bool) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "body"})
		return
	}

	source, err := posts.ParseSource(request.Source)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "source"})
		return
	}
	action, err := syncing.ParseAction(request.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "action"})
		return
	}
	if restricted && action != syncing.ActionUpdate {
		c.JSON(http.StatusForbidden, gin.H{"error": "Unauthorized", "reason": "display clients may only update"})
		return
	}

	if action == syncing.ActionBatchSync {
		h.handleBatchSync(c, source, request.Data)
		return
	}

	var payload syncing.RecordPayload
	if len(request.Data) > 0 {
		if err := json.Unmarshal(request.Data, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "data"})
			return
		}
	}
	if restricted {
		payload = restrictToDisplayFields(payload)
	}

	change := syncing.Change{
		Source:           source,
		Action:           action,
		EntityType:       request.EntityType,
		Version:          request.Version,
		TimestampSeconds: request.TimestampSeconds,
		Data:             payload,
	}
	if payload.PostID != "" {
		postID, err := posts.NewPostID(payload.PostID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "post_id"})
			return
		}
		change.PostID = postID
	} else if action != syncing.ActionCreate {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "post_id"})
		return
	}
	if payload.Version != nil && change.Version == nil {
		change.Version = payload.Version
	}

	outcome, err := h.coordinator.Apply(c.Request.Context(), change)
	if err != nil {
		h.writeSyncError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": postToPayload(outcome.Post)})
}

func (h *httpHandler) handleBatchSync(c *gin.Context, source posts.Source, data json.RawMessage) {
	var records []syncing.RecordPayload
	if err := json.Unmarshal(data, &records); err != nil || len(records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "data"})
		return
	}

	result, err := h.coordinator.BatchSync(c.Request.Context(), source, records)
	if err != nil {
		h.writeSyncError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

type resolveRequestPayload struct {
	PostID   string          `json:"post_id"`
	Strategy string          `json:"strategy"`
	Source   string          `json:"source"`
	Data     json.RawMessage `json:"data"`
	APIKey   string          `json:"api_key,omitempty"`
}

func (h *httpHandler) handleSyncResolve(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "body"})
		return
	}

	postID, err := posts.NewPostID(request.PostID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "post_id"})
		return
	}
	strategy, err := syncing.ParseStrategy(request.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "strategy"})
		return
	}
	source, err := posts.ParseSource(request.Source)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "source"})
		return
	}

	var payload syncing.RecordPayload
	if len(request.Data) > 0 {
		if err := json.Unmarshal(request.Data, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "data"})
			return
		}
	}

	resolved, err := h.coordinator.Resolve(c.Request.Context(), syncing.Resolution{
		PostID:   postID,
		Strategy: strategy,
		Source:   source,
		Data:     payload,
	})
	if err != nil {
		h.writeSyncError(c, err)
		return
	}

	// merge currently resolves as use_server; flag it so callers are not
	// surprised by the absence of field-level merging.
	response := gin.H{"success": true, "data": postToPayload(resolved)}
	if strategy == syncing.StrategyMerge {
		response["resolved_as"] = string(syncing.StrategyUseServer)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	entityID := strings.TrimSpace(c.Query("id"))
	if entityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "id"})
		return
	}
	rows, err := h.coordinator.StatusFor(c.Request.Context(), entityID)
	if err != nil {
		h.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rows})
}

// handleSyncEvents streams committed change notifications to display clients
// as server-sent events.
func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events_unavailable"})
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) writeSyncError(c *gin.Context, err error) {
	if conflict, ok := posts.IsConflict(err); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":            "Conflict",
			"post_id":          conflict.PostID,
			"server_version":   conflict.ServerVersion,
			"your_version":     conflict.YourVersion,
			"last_modified_by": string(conflict.LastModifiedBy),
			"last_modified_at": conflict.LastModifiedAtSeconds,
		})
		return
	}
	if errors.Is(err, posts.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "NotFound"})
		return
	}
	if validation, ok := posts.IsValidation(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "ValidationError",
			"field":  validation.Field,
			"reason": validation.Reason,
		})
		return
	}
	if errors.Is(err, posts.ErrInvalidStatus) || errors.Is(err, posts.ErrInvalidPostID) ||
		errors.Is(err, posts.ErrInvalidSource) || errors.Is(err, syncing.ErrInvalidAction) ||
		errors.Is(err, syncing.ErrInvalidEntityType) || errors.Is(err, syncing.ErrInvalidStrategy) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "reason": err.Error()})
		return
	}

	h.logger.Error("sync request failed", zap.Error(err))
	var coded *posts.ServiceError
	if errors.As(err, &coded) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "InternalError", "code": coded.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "InternalError"})
}

func restrictToDisplayFields(payload syncing.RecordPayload) syncing.RecordPayload {
	return syncing.RecordPayload{
		PostID:  payload.PostID,
		Notes:   payload.Notes,
		Status:  payload.Status,
		Version: payload.Version,
	}
}
