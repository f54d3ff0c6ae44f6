package posts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Source enumerates the clients allowed to mutate post records.
type Source string

const (
	// SourceReplica identifies the user-editable tabular replica.
	SourceReplica Source = "replica"
	// SourceAPI identifies writes arriving through the external API gateway.
	SourceAPI Source = "api"
	// SourceControlSystem identifies external control systems issuing status updates.
	SourceControlSystem Source = "control-system"
	// SourceSystem identifies internal maintenance writes.
	SourceSystem Source = "system"
)

// Status enumerates the production lifecycle of a post.
type Status string

const (
	// StatusPlanned marks a segment that has not been recorded yet.
	StatusPlanned Status = "planned"
	// StatusRecording marks a segment currently being recorded.
	StatusRecording Status = "recording"
	// StatusRecorded marks a segment with captured material.
	StatusRecorded Status = "recorded"
	// StatusApproved marks a segment cleared for broadcast.
	StatusApproved Status = "approved"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPostID indicates that a post identifier is empty or exceeds storage bounds.
	ErrInvalidPostID = errors.New("posts: invalid post id")
	// ErrInvalidSource indicates an unknown mutation source.
	ErrInvalidSource = errors.New("posts: invalid source")
	// ErrInvalidStatus indicates an unknown post status.
	ErrInvalidStatus = errors.New("posts: invalid status")
)

// PostID represents a validated post identifier.
type PostID string

// NewPostID validates raw input and returns a PostID.
func NewPostID(rawInput string) (PostID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPostID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPostID, maxIdentifierLength)
	}
	return PostID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PostID) String() string {
	return string(id)
}

// ParseSource validates a raw source value.
func ParseSource(value string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(value))) {
	case SourceReplica:
		return SourceReplica, nil
	case SourceAPI:
		return SourceAPI, nil
	case SourceControlSystem:
		return SourceControlSystem, nil
	case SourceSystem:
		return SourceSystem, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, value)
	}
}

// ParseStatus validates a raw status value.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPlanned:
		return StatusPlanned, nil
	case StatusRecording:
		return StatusRecording, nil
	case StatusRecorded:
		return StatusRecorded, nil
	case StatusApproved:
		return StatusApproved, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
}

// Post models the persisted segment record with conflict resolution metadata.
type Post struct {
	PostID             string `gorm:"column:post_id;primaryKey;size:190;not null"`
	GroupID            int    `gorm:"column:group_id;not null;index:idx_posts_group_order,priority:1"`
	SortOrder          int    `gorm:"column:sort_order;not null;index:idx_posts_group_order,priority:2"`
	TypeKey            string `gorm:"column:type_key;size:64"`
	Title              string `gorm:"column:title;size:320;not null"`
	DurationSeconds    int    `gorm:"column:duration_s;not null;default:0"`
	Location           string `gorm:"column:location;size:320"`
	Notes              string `gorm:"column:notes;type:text"`
	ParticipantIDsJSON string `gorm:"column:participant_ids_json;type:text;not null;default:'[]'"`
	RecordingDay       string `gorm:"column:recording_day;size:32;index"`
	RecordingTime      string `gorm:"column:recording_time;size:32"`
	Status             Status `gorm:"column:status;size:32;not null;default:'planned'"`
	Version            int64  `gorm:"column:version;not null;default:1"`
	LastModifiedBy     Source `gorm:"column:last_modified_by;size:32;not null;default:'system'"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// ParticipantIDs decodes the ordered participant reference list.
func (p Post) ParticipantIDs() []string {
	if p.ParticipantIDsJSON == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(p.ParticipantIDsJSON), &ids); err != nil {
		return nil
	}
	return ids
}

// EncodeParticipantIDs serializes an ordered participant reference list.
func EncodeParticipantIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// TrashedPost is the tombstone copy of a soft-deleted post. Rows are retained
// until purged or restored; the retention window is operational policy, not
// enforced by the store.
type TrashedPost struct {
	PostID             string `gorm:"column:post_id;primaryKey;size:190;not null"`
	GroupID            int    `gorm:"column:group_id;not null"`
	SortOrder          int    `gorm:"column:sort_order;not null"`
	TypeKey            string `gorm:"column:type_key;size:64"`
	Title              string `gorm:"column:title;size:320;not null"`
	DurationSeconds    int    `gorm:"column:duration_s;not null;default:0"`
	Location           string `gorm:"column:location;size:320"`
	Notes              string `gorm:"column:notes;type:text"`
	ParticipantIDsJSON string `gorm:"column:participant_ids_json;type:text;not null;default:'[]'"`
	RecordingDay       string `gorm:"column:recording_day;size:32"`
	RecordingTime      string `gorm:"column:recording_time;size:32"`
	Status             Status `gorm:"column:status;size:32;not null"`
	Version            int64  `gorm:"column:version;not null"`
	LastModifiedBy     Source `gorm:"column:last_modified_by;size:32;not null"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null"`
	DeletedAtSeconds   int64  `gorm:"column:deleted_at_s;not null;index"`
	DeletedBy          Source `gorm:"column:deleted_by;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TrashedPost) TableName() string {
	return "trashed_posts"
}

// GroupSequence tracks the last assigned sequence number per production group.
// Sequence numbers only move forward, so post identifiers are never reused even
// after a hard delete.
type GroupSequence struct {
	GroupID      int   `gorm:"column:group_id;primaryKey;not null"`
	LastSequence int64 `gorm:"column:last_sequence;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (GroupSequence) TableName() string {
	return "group_sequences"
}

// NewRecord carries the caller-supplied fields for a post creation.
type NewRecord struct {
	GroupID         int
	SortOrder       int
	TypeKey         string
	Title           string
	DurationSeconds int
	Location        string
	Notes           string
	ParticipantIDs  []string
	RecordingDay    string
	RecordingTime   string
	Status          Status
	CreatedBy       Source
}

// Patch carries the optional field updates for a post. Nil fields are left
// untouched by Update.
type Patch struct {
	SortOrder       *int
	TypeKey         *string
	Title           *string
	DurationSeconds *int
	Location        *string
	Notes           *string
	ParticipantIDs  []string
	RecordingDay    *string
	RecordingTime   *string
	Status          *Status
}
