package syncing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"github.com/rundownlab/rundown/internal/audit"
	"github.com/rundownlab/rundown/internal/posts"
)

// Apply reconciles one change payload. Conflicts and not-found conditions are
// returned as their structured error types; only unexpected failures come
// back as coded service errors.
func (c *Coordinator) Apply(ctx context.Context, change Change) (Outcome, error) {
	if change.EntityType != "" && change.EntityType != EntityTypePost {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidEntityType, change.EntityType)
	}

	switch change.Action {
	case ActionCreate:
		return c.applyCreate(ctx, change)
	case ActionUpdate:
		return c.applyUpdate(ctx, change)
	case ActionDelete:
		return c.applyDelete(ctx, change)
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidAction, change.Action)
	}
}

func (c *Coordinator) applyCreate(ctx context.Context, change Change) (Outcome, error) {
	record, err := change.Data.ToNewRecord(change.Source)
	if err != nil {
		return Outcome{}, err
	}

	created, err := c.store.Create(ctx, record)
	if err != nil {
		return Outcome{}, err
	}

	c.afterWrite(ctx, audit.ActionCreate, EventPostChanged, change.Source, nil, &created)
	return Outcome{Action: ActionCreate, Created: true, Post: created}, nil
}

func (c *Coordinator) applyUpdate(ctx context.Context, change Change) (Outcome, error) {
	patch, err := change.Data.ToPatch()
	if err != nil {
		return Outcome{}, err
	}

	// The pre-image feeds the field-level audit diff; the store re-reads under
	// a row lock inside Update, so this copy is advisory only.
	before, err := c.store.GetByID(ctx, change.PostID)
	if err != nil {
		return Outcome{}, err
	}

	updated, err := c.store.Update(ctx, change.PostID, change.Version, patch, change.Source)
	if err != nil {
		if conflict, ok := posts.IsConflict(err); ok {
			c.markConflict(ctx, change, conflict)
		}
		return Outcome{}, err
	}

	c.afterWrite(ctx, audit.ActionUpdate, EventPostChanged, change.Source, &before, &updated)
	return Outcome{Action: ActionUpdate, Post: updated}, nil
}

func (c *Coordinator) applyDelete(ctx context.Context, change Change) (Outcome, error) {
	before, err := c.store.GetByID(ctx, change.PostID)
	if err != nil {
		return Outcome{}, err
	}

	if err := c.store.SoftDelete(ctx, change.PostID, change.Source); err != nil {
		return Outcome{}, err
	}

	c.afterWrite(ctx, audit.ActionDelete, EventPostDeleted, change.Source, &before, nil)
	return Outcome{Action: ActionDelete, Post: before}, nil
}

// BatchSync processes each record independently. A per-record existence check
// decides create versus update; stale versions land in Conflicts, other
// per-record failures in Errors, and the rest of the batch still commits.
func (c *Coordinator) BatchSync(ctx context.Context, source posts.Source, records []RecordPayload) (BatchResult, error) {
	result := BatchResult{Conflicts: []string{}, Errors: []string{}}
	changedIDs := make([]string, 0, len(records))
	changedRecords := make([]posts.Post, 0, len(records))

	for _, record := range records {
		if record.PostID == "" {
			created, err := c.createFromPayload(ctx, source, record)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Created++
			changedIDs = append(changedIDs, created.PostID)
			changedRecords = append(changedRecords, created)
			continue
		}

		postID, err := posts.NewPostID(record.PostID)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		before, err := c.store.GetByID(ctx, postID)
		if errors.Is(err, posts.ErrNotFound) {
			created, err := c.createWithID(ctx, source, postID, record)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Created++
			changedIDs = append(changedIDs, created.PostID)
			changedRecords = append(changedRecords, created)
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		patch, err := record.ToPatch()
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		updated, err := c.store.Update(ctx, postID, record.Version, patch, source)
		if err != nil {
			if conflict, ok := posts.IsConflict(err); ok {
				result.Conflicts = append(result.Conflicts, postID.String())
				c.markConflict(ctx, Change{
					Source: source,
					Action: ActionUpdate,
					PostID: postID,
					Data:   record,
				}, conflict)
				continue
			}
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		result.Updated++
		changedIDs = append(changedIDs, updated.PostID)
		changedRecords = append(changedRecords, before, updated)
		c.recordAudit(ctx, audit.ActionUpdate, source, &before, &updated)
		c.upsertStatus(ctx, updated.PostID, source, false, "")
	}

	if len(changedIDs) > 0 {
		c.invalidateViews()
		for _, record := range changedRecords {
			c.invalidateRecord(record)
		}
		c.publish(ChangeEvent{
			EventType: EventPostChanged,
			PostIDs:   changedIDs,
			Source:    string(source),
			Timestamp: c.clock().UTC(),
		})
	}

	return result, nil
}

// Restore moves a trashed post back to the active set and announces it.
func (c *Coordinator) Restore(ctx context.Context, id posts.PostID, source posts.Source) (posts.Post, error) {
	restored, err := c.store.Restore(ctx, id)
	if err != nil {
		return posts.Post{}, err
	}
	c.afterWrite(ctx, audit.ActionRestore, EventPostRestored, source, nil, &restored)
	return restored, nil
}

func (c *Coordinator) createFromPayload(ctx context.Context, source posts.Source, payload RecordPayload) (posts.Post, error) {
	record, err := payload.ToNewRecord(source)
	if err != nil {
		return posts.Post{}, err
	}
	created, err := c.store.Create(ctx, record)
	if err != nil {
		return posts.Post{}, err
	}
	c.recordAudit(ctx, audit.ActionCreate, source, nil, &created)
	c.upsertStatus(ctx, created.PostID, source, false, "")
	return created, nil
}

func (c *Coordinator) createWithID(ctx context.Context, source posts.Source, id posts.PostID, payload RecordPayload) (posts.Post, error) {
	record, err := payload.ToNewRecord(source)
	if err != nil {
		return posts.Post{}, err
	}
	created, err := c.store.CreateWithID(ctx, id, record)
	if err != nil {
		return posts.Post{}, err
	}
	c.recordAudit(ctx, audit.ActionCreate, source, nil, &created)
	c.upsertStatus(ctx, created.PostID, source, false, "")
	return created, nil
}

// afterWrite runs the best-effort secondary effects of a committed mutation:
// audit, cache invalidation, sync-status bookkeeping, and notifications. None
// of them can fail the already-committed write.
func (c *Coordinator) afterWrite(ctx context.Context, action audit.Action, eventType string, source posts.Source, before, after *posts.Post) {
	c.recordAudit(ctx, action, source, before, after)

	subject := before
	if after != nil {
		subject = after
	}
	c.invalidateViews()
	// Both images are invalidated: a record moved to a new recording day must
	// drop the old day's schedule view as well as the new one's.
	if before != nil {
		c.invalidateRecord(*before)
	}
	if after != nil {
		c.invalidateRecord(*after)
	}
	if subject != nil {
		c.upsertStatus(ctx, subject.PostID, source, false, "")
		c.publish(ChangeEvent{
			EventType: eventType,
			PostIDs:   []string{subject.PostID},
			Source:    string(source),
			Timestamp: c.clock().UTC(),
		})
	}
}

func (c *Coordinator) recordAudit(ctx context.Context, action audit.Action, source posts.Source, before, after *posts.Post) {
	if c.audit == nil {
		return
	}
	switch action {
	case audit.ActionUpdate:
		if before == nil || after == nil {
			return
		}
		for _, change := range diffFields(*before, *after) {
			c.audit.Record(ctx, audit.Entry{
				Actor:      string(source),
				Action:     audit.ActionUpdate,
				EntityType: EntityTypePost,
				EntityID:   after.PostID,
				Field:      change.field,
				OldValue:   change.oldValue,
				NewValue:   change.newValue,
				Source:     string(source),
			})
		}
	default:
		entry := audit.Entry{
			Actor:      string(source),
			Action:     action,
			EntityType: EntityTypePost,
			Source:     string(source),
		}
		if before != nil {
			entry.EntityID = before.PostID
			entry.OldValue = encodePost(*before)
		}
		if after != nil {
			entry.EntityID = after.PostID
			entry.NewValue = encodePost(*after)
		}
		c.audit.Record(ctx, entry)
	}
}

func (c *Coordinator) markConflict(ctx context.Context, change Change, conflict *posts.ConflictError) {
	payload, err := json.Marshal(change.Data)
	if err != nil {
		payload = nil
	}
	c.upsertStatus(ctx, conflict.PostID, change.Source, true, string(payload))
	c.logger.Info("sync conflict detected",
		zap.String("post_id", conflict.PostID),
		zap.String("source", string(change.Source)),
		zap.Int64("server_version", conflict.ServerVersion),
		zap.Int64("your_version", conflict.YourVersion))
}

func (c *Coordinator) upsertStatus(ctx context.Context, entityID string, source posts.Source, conflictFlag bool, conflictPayload string) {
	row := SyncStatus{
		EntityType:          EntityTypePost,
		EntityID:            entityID,
		Source:              string(source),
		LastSyncedAtSeconds: c.clock().UTC().Unix(),
		ConflictFlag:        conflictFlag,
		ConflictPayloadJSON: conflictPayload,
	}
	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		c.logger.Error("sync status upsert failed",
			zap.String("operation", opSyncStatus),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// StatusFor returns the reconciliation rows for one entity.
func (c *Coordinator) StatusFor(ctx context.Context, entityID string) ([]SyncStatus, error) {
	var rows []SyncStatus
	err := c.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", EntityTypePost, entityID).
		Order("source ASC").
		Find(&rows).Error
	if err != nil {
		return nil, posts.NewServiceError(opSyncStatus, "query_failed", err)
	}
	return rows, nil
}

func (c *Coordinator) invalidateViews() {
	if c.cache == nil {
		return
	}
	c.cache.Invalidate(CacheKeyActivePosts)
	c.cache.Invalidate(CacheKeyTrash)
}

func (c *Coordinator) invalidateRecord(post posts.Post) {
	if c.cache == nil {
		return
	}
	c.cache.Invalidate(CacheKeyPost(post.PostID))
	if post.RecordingDay != "" {
		c.cache.Invalidate(CacheKeySchedule(post.RecordingDay))
	}
}

func (c *Coordinator) publish(event ChangeEvent) {
	if c.dispatcher != nil {
		c.dispatcher.Publish(event)
	}
	if c.notifier != nil {
		// Detached from the request context so a completed response cannot
		// cut the push short; the notifier bounds its own attempts.
		go c.notifier.Notify(context.Background(), event)
	}
}

type fieldChange struct {
	field    string
	oldValue string
	newValue string
}

func diffFields(before, after posts.Post) []fieldChange {
	changes := make([]fieldChange, 0, 4)
	appendChange := func(field, oldValue, newValue string) {
		if oldValue != newValue {
			changes = append(changes, fieldChange{field: field, oldValue: oldValue, newValue: newValue})
		}
	}
	appendChange("title", before.Title, after.Title)
	appendChange("type_key", before.TypeKey, after.TypeKey)
	appendChange("status", string(before.Status), string(after.Status))
	appendChange("notes", before.Notes, after.Notes)
	appendChange("location", before.Location, after.Location)
	appendChange("sort_order", strconv.Itoa(before.SortOrder), strconv.Itoa(after.SortOrder))
	appendChange("duration_seconds", strconv.Itoa(before.DurationSeconds), strconv.Itoa(after.DurationSeconds))
	appendChange("recording_day", before.RecordingDay, after.RecordingDay)
	appendChange("recording_time", before.RecordingTime, after.RecordingTime)
	appendChange("participant_ids", before.ParticipantIDsJSON, after.ParticipantIDsJSON)
	return changes
}

func encodePost(post posts.Post) string {
	encoded, err := json.Marshal(post)
	if err != nil {
		return ""
	}
	return string(encoded)
}
