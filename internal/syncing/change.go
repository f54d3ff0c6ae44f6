package syncing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rundownlab/rundown/internal/posts"
)

// Action enumerates the change kinds a client may submit.
type Action string

const (
	// ActionCreate inserts a new post record.
	ActionCreate Action = "create"
	// ActionUpdate patches an existing post record.
	ActionUpdate Action = "update"
	// ActionDelete soft-deletes a post record.
	ActionDelete Action = "delete"
	// ActionBatchSync reconciles a whole batch of records.
	ActionBatchSync Action = "batch_sync"
)

// EntityTypePost is the only entity type the coordinator currently syncs.
const EntityTypePost = "post"

var (
	// ErrInvalidAction indicates an unknown change action.
	ErrInvalidAction = errors.New("syncing: invalid action")
	// ErrInvalidEntityType indicates an unsupported entity type.
	ErrInvalidEntityType = errors.New("syncing: invalid entity type")
)

// ParseAction validates a raw action value.
func ParseAction(value string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	case ActionBatchSync:
		return ActionBatchSync, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, value)
	}
}

// RecordPayload is the wire-level record representation shared by the sync
// endpoints and the coordinator. Nil fields are absent from the payload and
// leave the stored value untouched on update.
type RecordPayload struct {
	PostID          string    `json:"post_id,omitempty"`
	GroupID         *int      `json:"group_id,omitempty"`
	SortOrder       *int      `json:"sort_order,omitempty"`
	TypeKey         *string   `json:"type_key,omitempty"`
	Title           *string   `json:"title,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	Location        *string   `json:"location,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	ParticipantIDs  []string  `json:"participant_ids,omitempty"`
	RecordingDay    *string   `json:"recording_day,omitempty"`
	RecordingTime   *string   `json:"recording_time,omitempty"`
	Status          *string   `json:"status,omitempty"`
	Version         *int64    `json:"version,omitempty"`
}

// ToNewRecord converts the payload into a creation request.
func (p RecordPayload) ToNewRecord(source posts.Source) (posts.NewRecord, error) {
	record := posts.NewRecord{CreatedBy: source}
	if p.GroupID != nil {
		record.GroupID = *p.GroupID
	}
	if p.SortOrder != nil {
		record.SortOrder = *p.SortOrder
	}
	if p.TypeKey != nil {
		record.TypeKey = *p.TypeKey
	}
	if p.Title != nil {
		record.Title = *p.Title
	}
	if p.DurationSeconds != nil {
		record.DurationSeconds = *p.DurationSeconds
	}
	if p.Location != nil {
		record.Location = *p.Location
	}
	if p.Notes != nil {
		record.Notes = *p.Notes
	}
	record.ParticipantIDs = p.ParticipantIDs
	if p.RecordingDay != nil {
		record.RecordingDay = *p.RecordingDay
	}
	if p.RecordingTime != nil {
		record.RecordingTime = *p.RecordingTime
	}
	if p.Status != nil {
		status, err := posts.ParseStatus(*p.Status)
		if err != nil {
			return posts.NewRecord{}, err
		}
		record.Status = status
	}
	return record, nil
}

// ToPatch converts the payload into an update patch.
func (p RecordPayload) ToPatch() (posts.Patch, error) {
	patch := posts.Patch{
		SortOrder:       p.SortOrder,
		TypeKey:         p.TypeKey,
		Title:           p.Title,
		DurationSeconds: p.DurationSeconds,
		Location:        p.Location,
		Notes:           p.Notes,
		ParticipantIDs:  p.ParticipantIDs,
		RecordingDay:    p.RecordingDay,
		RecordingTime:   p.RecordingTime,
	}
	if p.Status != nil {
		status, err := posts.ParseStatus(*p.Status)
		if err != nil {
			return posts.Patch{}, err
		}
		patch.Status = &status
	}
	return patch, nil
}

// Change is one reconciliation request from a client.
type Change struct {
	Source           posts.Source
	Action           Action
	EntityType       string
	PostID           posts.PostID
	Version          *int64
	TimestampSeconds int64
	Data             RecordPayload
}

// Outcome reports one applied change.
type Outcome struct {
	Action  Action
	Created bool
	Post    posts.Post
}

// BatchResult aggregates a batch_sync run. Per-record conflicts and errors
// are collected rather than aborting the batch, so one stale client record
// never blocks synchronization of the rest.
type BatchResult struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Conflicts []string `json:"conflicts"`
	Errors    []string `json:"errors"`
}
