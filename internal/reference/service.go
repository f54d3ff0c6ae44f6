// Package reference serves the read-mostly lookup tables (post type templates
// and the participant directory) through the cache layer. The tables are
// seeded externally; this service only reads them.
package reference

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rundownlab/rundown/internal/cache"
	"github.com/rundownlab/rundown/internal/posts"
)

// Cache keys for the reference resources.
const (
	CacheKeyTypeTemplates = "reference:type-templates"
	CacheKeyParticipants  = "reference:participants"
)

const (
	opTypeTemplates = "reference.type_templates"
	opParticipants  = "reference.participants"
)

var errMissingDatabase = errors.New("database handle is required")

// TypeTemplate describes a post type with its default duration.
type TypeTemplate struct {
	TypeKey                string    `gorm:"column:type_key;primaryKey;size:64;not null"`
	Label                  string    `gorm:"column:label;size:190;not null"`
	DefaultDurationSeconds int       `gorm:"column:default_duration_s;not null;default:0"`
	CreatedAt              time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TypeTemplate) TableName() string {
	return "type_templates"
}

// Participant is one entry of the participant directory.
type Participant struct {
	ParticipantID string    `gorm:"column:participant_id;primaryKey;size:190;not null"`
	DisplayName   string    `gorm:"column:display_name;size:320;not null"`
	Role          string    `gorm:"column:role;size:190"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "participants"
}

// ServiceConfig describes the reference service dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Cache    *cache.Cache
}

// Service loads reference data through the cache.
type Service struct {
	db    *gorm.DB
	cache *cache.Cache
}

// NewService constructs the reference service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, posts.NewServiceError("reference.service.new", "missing_database", errMissingDatabase)
	}
	return &Service{db: cfg.Database, cache: cfg.Cache}, nil
}

// TypeTemplates returns all post type templates, cached.
func (s *Service) TypeTemplates(ctx context.Context) ([]TypeTemplate, error) {
	load := func(ctx context.Context) (interface{}, error) {
		var templates []TypeTemplate
		if err := s.db.WithContext(ctx).Order("type_key ASC").Find(&templates).Error; err != nil {
			return nil, posts.NewServiceError(opTypeTemplates, "query_failed", err)
		}
		return templates, nil
	}
	if s.cache == nil {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return value.([]TypeTemplate), nil
	}
	value, err := s.cache.Get(ctx, CacheKeyTypeTemplates, load)
	if err != nil {
		return nil, err
	}
	return value.([]TypeTemplate), nil
}

// Participants returns the participant directory, cached.
func (s *Service) Participants(ctx context.Context) ([]Participant, error) {
	load := func(ctx context.Context) (interface{}, error) {
		var participants []Participant
		if err := s.db.WithContext(ctx).Order("display_name ASC").Find(&participants).Error; err != nil {
			return nil, posts.NewServiceError(opParticipants, "query_failed", err)
		}
		return participants, nil
	}
	if s.cache == nil {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return value.([]Participant), nil
	}
	value, err := s.cache.Get(ctx, CacheKeyParticipants, load)
	if err != nil {
		return nil, err
	}
	return value.([]Participant), nil
}

// SaveTypeTemplate upserts a template and invalidates the cached list.
func (s *Service) SaveTypeTemplate(ctx context.Context, template TypeTemplate) error {
	if template.TypeKey == "" {
		return &posts.ValidationError{Field: "type_key", Reason: "required"}
	}
	if err := s.db.WithContext(ctx).Save(&template).Error; err != nil {
		return posts.NewServiceError(opTypeTemplates, "save_failed", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(CacheKeyTypeTemplates)
	}
	return nil
}

// SaveParticipant upserts a directory entry and invalidates the cached list.
func (s *Service) SaveParticipant(ctx context.Context, participant Participant) error {
	if participant.ParticipantID == "" {
		return &posts.ValidationError{Field: "participant_id", Reason: "required"}
	}
	if err := s.db.WithContext(ctx).Save(&participant).Error; err != nil {
		return posts.NewServiceError(opParticipants, "save_failed", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(CacheKeyParticipants)
	}
	return nil
}
