package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rundownlab/rundown/internal/backup"
	"github.com/rundownlab/rundown/internal/posts"
	"github.com/rundownlab/rundown/internal/syncing"
)

type postResponse struct {
	PostID           string   `json:"post_id"`
	GroupID          int      `json:"group_id"`
	SortOrder        int      `json:"sort_order"`
	TypeKey          string   `json:"type_key"`
	Title            string   `json:"title"`
	DurationSeconds  int      `json:"duration_seconds"`
	Location         string   `json:"location"`
	Notes            string   `json:"notes"`
	ParticipantIDs   []string `json:"participant_ids"`
	RecordingDay     string   `json:"recording_day"`
	RecordingTime    string   `json:"recording_time"`
	Status           string   `json:"status"`
	Version          int64    `json:"version"`
	LastModifiedBy   string   `json:"last_modified_by"`
	CreatedAtSeconds int64    `json:"created_at_s"`
	UpdatedAtSeconds int64    `json:"updated_at_s"`
}

func postToPayload(post posts.Post) postResponse {
	participantIDs := post.ParticipantIDs()
	if participantIDs == nil {
		participantIDs = []string{}
	}
	return postResponse{
		PostID:           post.PostID,
		GroupID:          post.GroupID,
		SortOrder:        post.SortOrder,
		TypeKey:          post.TypeKey,
		Title:            post.Title,
		DurationSeconds:  post.DurationSeconds,
		Location:         post.Location,
		Notes:            post.Notes,
		ParticipantIDs:   participantIDs,
		RecordingDay:     post.RecordingDay,
		RecordingTime:    post.RecordingTime,
		Status:           string(post.Status),
		Version:          post.Version,
		LastModifiedBy:   string(post.LastModifiedBy),
		CreatedAtSeconds: post.CreatedAtSeconds,
		UpdatedAtSeconds: post.UpdatedAtSeconds,
	}
}

func postsToPayload(records []posts.Post) []postResponse {
	payload := make([]postResponse, 0, len(records))
	for _, record := range records {
		payload = append(payload, postToPayload(record))
	}
	return payload
}

// handleListPosts lists active records, optionally filtered by production
// group ("program") and status. The unfiltered active listing is served from
// the cache; filters are applied in memory.
func (h *httpHandler) handleListPosts(c *gin.Context) {
	records, err := h.cachedActivePosts(c.Request.Context())
	if err != nil {
		h.writeSyncError(c, err)
		return
	}

	if program := strings.TrimSpace(c.Query("program")); program != "" {
		groupID, err := strconv.Atoi(program)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "program"})
			return
		}
		filtered := records[:0:0]
		for _, record := range records {
			if record.GroupID == groupID {
				filtered = append(filtered, record)
			}
		}
		records = filtered
	}
	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := posts.ParseStatus(rawStatus)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "status"})
			return
		}
		filtered := records[:0:0]
		for _, record := range records {
			if record.Status == status {
				filtered = append(filtered, record)
			}
		}
		records = filtered
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": postsToPayload(records)})
}

func (h *httpHandler) cachedActivePosts(ctx context.Context) ([]posts.Post, error) {
	if h.cache == nil {
		return h.store.ListActive(ctx)
	}
	value, err := h.cache.Get(ctx, syncing.CacheKeyActivePosts, func(ctx context.Context) (interface{}, error) {
		return h.store.ListActive(ctx)
	})
	if err != nil {
		return nil, err
	}
	return value.([]posts.Post), nil
}

func (h *httpHandler) handleGetPost(c *gin.Context) {
	postID, ok := h.postIDFromQuery(c)
	if !ok {
		return
	}

	record, err := h.cachedPost(c.Request.Context(), postID)
	if err != nil {
		h.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": postToPayload(record)})
}

func (h *httpHandler) cachedPost(ctx context.Context, id posts.PostID) (posts.Post, error) {
	if h.cache == nil {
		return h.store.GetByID(ctx, id)
	}
	value, err := h.cache.Get(ctx, syncing.CacheKeyPost(id.String()), func(ctx context.Context) (interface{}, error) {
		return h.store.GetByID(ctx, id)
	})
	if err != nil {
		return posts.Post{}, err
	}
	return value.(posts.Post), nil
}

type updatePostPayload struct {
	Data    json.RawMessage `json:"data"`
	Version *int64          `json:"version,omitempty"`
	Source  string          `json:"source,omitempty"`
	APIKey  string          `json:"api_key,omitempty"`
}

// handleUpdatePost is the single-record PUT surface. It funnels through the
// coordinator so audit, cache invalidation, and notifications behave exactly
// as the sync endpoints.
func (h *httpHandler) handleUpdatePost(c *gin.Context) {
	postID, ok := h.postIDFromQuery(c)
	if !ok {
		return
	}

	var request updatePostPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "data"})
		return
	}

	var payload syncing.RecordPayload
	if err := json.Unmarshal(request.Data, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "data"})
		return
	}

	source := posts.SourceAPI
	if request.Source != "" {
		parsed, err := posts.ParseSource(request.Source)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "source"})
			return
		}
		source = parsed
	}

	outcome, err := h.coordinator.Apply(c.Request.Context(), syncing.Change{
		Source:  source,
		Action:  syncing.ActionUpdate,
		PostID:  postID,
		Version: request.Version,
		Data:    payload,
	})
	if err != nil {
		h.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": postToPayload(outcome.Post)})
}

func (h *httpHandler) handleRestorePost(c *gin.Context) {
	postID, ok := h.postIDFromQuery(c)
	if !ok {
		return
	}

	restored, err := h.coordinator.Restore(c.Request.Context(), postID, posts.SourceAPI)
	if err != nil {
		h.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": postToPayload(restored)})
}

func (h *httpHandler) handleListTrash(c *gin.Context) {
	trashed, err := h.store.ListTrash(c.Request.Context())
	if err != nil {
		h.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": trashed})
}

// handleSchedule serves the aggregated day-filtered listing from the cache.
func (h *httpHandler) handleSchedule(c *gin.Context) {
	day := strings.TrimSpace(c.Query("day"))
	if day == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "day"})
		return
	}

	load := func(ctx context.Context) (interface{}, error) {
		return h.store.ListByDay(ctx, day)
	}
	var records []posts.Post
	if h.cache == nil {
		loaded, err := h.store.ListByDay(c.Request.Context(), day)
		if err != nil {
			h.writeSyncError(c, err)
			return
		}
		records = loaded
	} else {
		value, err := h.cache.Get(c.Request.Context(), syncing.CacheKeySchedule(day), load)
		if err != nil {
			h.writeSyncError(c, err)
			return
		}
		records = value.([]posts.Post)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "day": day, "data": postsToPayload(records)})
}

func (h *httpHandler) handleTypeTemplates(c *gin.Context) {
	if h.reference == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reference_unavailable"})
		return
	}
	templates, err := h.reference.TypeTemplates(c.Request.Context())
	if err != nil {
		h.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": templates})
}

func (h *httpHandler) handleParticipants(c *gin.Context) {
	if h.reference == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reference_unavailable"})
		return
	}
	participants, err := h.reference.Participants(c.Request.Context())
	if err != nil {
		h.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": participants})
}

func (h *httpHandler) handleExport(c *gin.Context) {
	if h.backup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backup_unavailable"})
		return
	}
	snapshot, err := h.backup.Export(c.Request.Context())
	if err != nil {
		h.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type restoreSnapshotPayload struct {
	Snapshot backup.Snapshot `json:"snapshot"`
	APIKey   string          `json:"api_key,omitempty"`
}

func (h *httpHandler) handleRestoreSnapshot(c *gin.Context) {
	if h.backup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backup_unavailable"})
		return
	}

	var request restoreSnapshotPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "snapshot"})
		return
	}

	safetyPath, err := h.backup.Import(c.Request.Context(), request.Snapshot)
	if err != nil {
		h.writeSyncError(c, err)
		return
	}
	if h.cache != nil {
		h.cache.InvalidateAll()
	}

	h.logger.Info("snapshot restored", zap.String("safety_export", safetyPath))
	c.JSON(http.StatusOK, gin.H{"success": true, "safety_export": safetyPath})
}

func (h *httpHandler) postIDFromQuery(c *gin.Context) (posts.PostID, bool) {
	postID, err := posts.NewPostID(c.Query("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ValidationError", "field": "id"})
		return "", false
	}
	return postID, true
}
