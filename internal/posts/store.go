package posts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew    = "posts.store.new"
	opCreate      = "posts.create"
	opUpdate      = "posts.update"
	opSoftDelete  = "posts.soft_delete"
	opHardDelete  = "posts.hard_delete"
	opRestore     = "posts.restore"
	opGetByID     = "posts.get_by_id"
	opListActive  = "posts.list_active"
	opListByGroup = "posts.list_by_group"
	opListByDay   = "posts.list_by_day"
	opListTrash   = "posts.list_trash"
)

// StoreConfig describes the dependencies of the record store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the authoritative, versioned storage for post records. All
// concurrent writers race on it; the version compare-and-swap inside Update is
// the only mutual exclusion.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the record store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Create assigns a fresh post identifier, stamps version 1 and timestamps, and
// persists the record.
func (s *Store) Create(ctx context.Context, record NewRecord) (Post, error) {
	if err := validateNewRecord(record); err != nil {
		return Post{}, err
	}

	now := s.clock().UTC().Unix()
	post := Post{
		GroupID:            record.GroupID,
		SortOrder:          record.SortOrder,
		TypeKey:            record.TypeKey,
		Title:              record.Title,
		DurationSeconds:    record.DurationSeconds,
		Location:           record.Location,
		Notes:              record.Notes,
		ParticipantIDsJSON: EncodeParticipantIDs(record.ParticipantIDs),
		RecordingDay:       record.RecordingDay,
		RecordingTime:      record.RecordingTime,
		Status:             record.Status,
		Version:            1,
		LastModifiedBy:     record.CreatedBy,
		CreatedAtSeconds:   now,
		UpdatedAtSeconds:   now,
	}
	if post.Status == "" {
		post.Status = StatusPlanned
	}
	if post.LastModifiedBy == "" {
		post.LastModifiedBy = SourceSystem
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sequence, err := nextSequence(tx, record.GroupID)
		if err != nil {
			return newServiceError(opCreate, "sequence_failed", err)
		}
		post.PostID = FormatPostID(record.GroupID, sequence)
		if err := tx.Create(&post).Error; err != nil {
			return newServiceError(opCreate, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, txErr, zap.Int("group_id", record.GroupID))
		return Post{}, txErr
	}
	return post, nil
}

// CreateWithID persists a record under a caller-supplied identifier. Used by
// batch sync when a replica pushes a record the store has never seen, and by
// restore-from-export.
func (s *Store) CreateWithID(ctx context.Context, id PostID, record NewRecord) (Post, error) {
	if err := validateNewRecord(record); err != nil {
		return Post{}, err
	}

	now := s.clock().UTC().Unix()
	post := Post{
		PostID:             id.String(),
		GroupID:            record.GroupID,
		SortOrder:          record.SortOrder,
		TypeKey:            record.TypeKey,
		Title:              record.Title,
		DurationSeconds:    record.DurationSeconds,
		Location:           record.Location,
		Notes:              record.Notes,
		ParticipantIDsJSON: EncodeParticipantIDs(record.ParticipantIDs),
		RecordingDay:       record.RecordingDay,
		RecordingTime:      record.RecordingTime,
		Status:             record.Status,
		Version:            1,
		LastModifiedBy:     record.CreatedBy,
		CreatedAtSeconds:   now,
		UpdatedAtSeconds:   now,
	}
	if post.Status == "" {
		post.Status = StatusPlanned
	}
	if post.LastModifiedBy == "" {
		post.LastModifiedBy = SourceSystem
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&post).Error; err != nil {
			return newServiceError(opCreate, "insert_failed", err)
		}
		// Supplied ids ride the same counters as generated ones, otherwise a
		// later Create in the group would hand out an already-taken sequence.
		if groupID, sequence, ok := splitPostID(post.PostID); ok {
			if err := advanceSequence(tx, groupID, sequence); err != nil {
				return newServiceError(opCreate, "sequence_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreate, txErr, zap.String("post_id", id.String()))
		return Post{}, txErr
	}
	return post, nil
}

// Update applies a patch to the identified post. When expectedVersion is
// non-nil and lower than the stored version the store is left untouched and a
// ConflictError carrying the authoritative version is returned. A nil
// expectedVersion is a forced write: the check is skipped but the version
// still increments, which is how "keep local" resolution advances past a
// conflicting writer.
func (s *Store) Update(ctx context.Context, id PostID, expectedVersion *int64, patch Patch, modifiedBy Source) (Post, error) {
	var updated Post
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Post
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("post_id = ?", id.String()).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return newServiceError(opUpdate, "select_failed", err)
		}

		if expectedVersion != nil && *expectedVersion < stored.Version {
			return &ConflictError{
				PostID:                stored.PostID,
				ServerVersion:         stored.Version,
				YourVersion:           *expectedVersion,
				LastModifiedBy:        stored.LastModifiedBy,
				LastModifiedAtSeconds: stored.UpdatedAtSeconds,
			}
		}

		applyPatch(&stored, patch)
		stored.Version++
		stored.LastModifiedBy = modifiedBy
		stored.UpdatedAtSeconds = s.clock().UTC().Unix()

		if err := tx.Save(&stored).Error; err != nil {
			return newServiceError(opUpdate, "save_failed", err)
		}
		updated = stored
		return nil
	})
	if txErr != nil {
		// Conflicts are routine, not errors; only unexpected failures are logged.
		if _, ok := IsConflict(txErr); !ok && !errors.Is(txErr, ErrNotFound) {
			s.logError(opUpdate, txErr, zap.String("post_id", id.String()))
		}
		return Post{}, txErr
	}
	return updated, nil
}

// SoftDelete copies the post into the trash collection and removes it from the
// active set.
func (s *Store) SoftDelete(ctx context.Context, id PostID, deletedBy Source) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Post
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("post_id = ?", id.String()).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return newServiceError(opSoftDelete, "select_failed", err)
		}

		tombstone := trashFromPost(stored, s.clock().UTC().Unix(), deletedBy)
		if err := tx.Create(&tombstone).Error; err != nil {
			return newServiceError(opSoftDelete, "trash_insert_failed", err)
		}
		if err := tx.Delete(&Post{}, "post_id = ?", id.String()).Error; err != nil {
			return newServiceError(opSoftDelete, "delete_failed", err)
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, ErrNotFound) {
		s.logError(opSoftDelete, txErr, zap.String("post_id", id.String()))
	}
	return txErr
}

// HardDelete removes the post from the active set without archiving it.
func (s *Store) HardDelete(ctx context.Context, id PostID) error {
	result := s.db.WithContext(ctx).Delete(&Post{}, "post_id = ?", id.String())
	if result.Error != nil {
		wrapped := newServiceError(opHardDelete, "delete_failed", result.Error)
		s.logError(opHardDelete, wrapped, zap.String("post_id", id.String()))
		return wrapped
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Restore moves a trashed post back to the active set with a fresh updated_at.
func (s *Store) Restore(ctx context.Context, id PostID) (Post, error) {
	var restored Post
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var trashed TrashedPost
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("post_id = ?", id.String()).
			Take(&trashed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return newServiceError(opRestore, "select_failed", err)
		}

		restored = postFromTrash(trashed)
		restored.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Create(&restored).Error; err != nil {
			return newServiceError(opRestore, "insert_failed", err)
		}
		if err := tx.Delete(&TrashedPost{}, "post_id = ?", id.String()).Error; err != nil {
			return newServiceError(opRestore, "trash_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotFound) {
			s.logError(opRestore, txErr, zap.String("post_id", id.String()))
		}
		return Post{}, txErr
	}
	return restored, nil
}

// GetByID returns the active post for the identifier.
func (s *Store) GetByID(ctx context.Context, id PostID) (Post, error) {
	var post Post
	err := s.db.WithContext(ctx).Where("post_id = ?", id.String()).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		wrapped := newServiceError(opGetByID, "query_failed", err)
		s.logError(opGetByID, wrapped, zap.String("post_id", id.String()))
		return Post{}, wrapped
	}
	return post, nil
}

// ListActive returns all active posts ordered by group and sort order.
func (s *Store) ListActive(ctx context.Context) ([]Post, error) {
	var records []Post
	err := s.db.WithContext(ctx).
		Order("group_id ASC, sort_order ASC, post_id ASC").
		Find(&records).Error
	if err != nil {
		wrapped := newServiceError(opListActive, "query_failed", err)
		s.logError(opListActive, wrapped)
		return nil, wrapped
	}
	return records, nil
}

// ListByGroup returns the active posts of one production group.
func (s *Store) ListByGroup(ctx context.Context, groupID int) ([]Post, error) {
	var records []Post
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("sort_order ASC, post_id ASC").
		Find(&records).Error
	if err != nil {
		wrapped := newServiceError(opListByGroup, "query_failed", err)
		s.logError(opListByGroup, wrapped, zap.Int("group_id", groupID))
		return nil, wrapped
	}
	return records, nil
}

// ListByDay returns the active posts scheduled on a recording day, ordered by
// recording time.
func (s *Store) ListByDay(ctx context.Context, day string) ([]Post, error) {
	var records []Post
	err := s.db.WithContext(ctx).
		Where("recording_day = ?", day).
		Order("recording_time ASC, group_id ASC, sort_order ASC").
		Find(&records).Error
	if err != nil {
		wrapped := newServiceError(opListByDay, "query_failed", err)
		s.logError(opListByDay, wrapped, zap.String("day", day))
		return nil, wrapped
	}
	return records, nil
}

// ListTrash returns the soft-deleted posts, most recently deleted first.
func (s *Store) ListTrash(ctx context.Context) ([]TrashedPost, error) {
	var records []TrashedPost
	err := s.db.WithContext(ctx).
		Order("deleted_at_s DESC, post_id ASC").
		Find(&records).Error
	if err != nil {
		wrapped := newServiceError(opListTrash, "query_failed", err)
		s.logError(opListTrash, wrapped)
		return nil, wrapped
	}
	return records, nil
}

// FormatPostID renders the canonical group:sequence identifier.
func FormatPostID(groupID int, sequence int64) string {
	return fmt.Sprintf("%d:%d", groupID, sequence)
}

func nextSequence(tx *gorm.DB, groupID int) (int64, error) {
	var counter GroupSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("group_id = ?", groupID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = GroupSequence{GroupID: groupID, LastSequence: 1}
		if err := tx.Create(&counter).Error; err != nil {
			return 0, err
		}
		return counter.LastSequence, nil
	}
	if err != nil {
		return 0, err
	}
	counter.LastSequence++
	if err := tx.Save(&counter).Error; err != nil {
		return 0, err
	}
	return counter.LastSequence, nil
}

// splitPostID breaks a group:sequence identifier into its parts. Identifiers
// minted elsewhere (imports from older exports, free-form replica ids) do not
// have to conform, so a parse failure is not an error.
func splitPostID(id string) (int, int64, bool) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	groupID, err := strconv.Atoi(parts[0])
	if err != nil || groupID < 1 {
		return 0, 0, false
	}
	sequence, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || sequence < 1 {
		return 0, 0, false
	}
	return groupID, sequence, true
}

// advanceSequence raises the group counter to at least sequence so generated
// ids never collide with one a replica supplied.
func advanceSequence(tx *gorm.DB, groupID int, sequence int64) error {
	var counter GroupSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("group_id = ?", groupID).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&GroupSequence{GroupID: groupID, LastSequence: sequence}).Error
	}
	if err != nil {
		return err
	}
	if counter.LastSequence >= sequence {
		return nil
	}
	counter.LastSequence = sequence
	return tx.Save(&counter).Error
}

func validateNewRecord(record NewRecord) error {
	if record.GroupID < 1 {
		return &ValidationError{Field: "group_id", Reason: "must be positive"}
	}
	if record.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if record.DurationSeconds < 0 {
		return &ValidationError{Field: "duration_seconds", Reason: "must not be negative"}
	}
	return nil
}

func applyPatch(post *Post, patch Patch) {
	if patch.SortOrder != nil {
		post.SortOrder = *patch.SortOrder
	}
	if patch.TypeKey != nil {
		post.TypeKey = *patch.TypeKey
	}
	if patch.Title != nil {
		post.Title = *patch.Title
	}
	if patch.DurationSeconds != nil {
		post.DurationSeconds = *patch.DurationSeconds
	}
	if patch.Location != nil {
		post.Location = *patch.Location
	}
	if patch.Notes != nil {
		post.Notes = *patch.Notes
	}
	if patch.ParticipantIDs != nil {
		post.ParticipantIDsJSON = EncodeParticipantIDs(patch.ParticipantIDs)
	}
	if patch.RecordingDay != nil {
		post.RecordingDay = *patch.RecordingDay
	}
	if patch.RecordingTime != nil {
		post.RecordingTime = *patch.RecordingTime
	}
	if patch.Status != nil {
		post.Status = *patch.Status
	}
}

func trashFromPost(post Post, deletedAt int64, deletedBy Source) TrashedPost {
	return TrashedPost{
		PostID:             post.PostID,
		GroupID:            post.GroupID,
		SortOrder:          post.SortOrder,
		TypeKey:            post.TypeKey,
		Title:              post.Title,
		DurationSeconds:    post.DurationSeconds,
		Location:           post.Location,
		Notes:              post.Notes,
		ParticipantIDsJSON: post.ParticipantIDsJSON,
		RecordingDay:       post.RecordingDay,
		RecordingTime:      post.RecordingTime,
		Status:             post.Status,
		Version:            post.Version,
		LastModifiedBy:     post.LastModifiedBy,
		CreatedAtSeconds:   post.CreatedAtSeconds,
		UpdatedAtSeconds:   post.UpdatedAtSeconds,
		DeletedAtSeconds:   deletedAt,
		DeletedBy:          deletedBy,
	}
}

func postFromTrash(trashed TrashedPost) Post {
	return Post{
		PostID:             trashed.PostID,
		GroupID:            trashed.GroupID,
		SortOrder:          trashed.SortOrder,
		TypeKey:            trashed.TypeKey,
		Title:              trashed.Title,
		DurationSeconds:    trashed.DurationSeconds,
		Location:           trashed.Location,
		Notes:              trashed.Notes,
		ParticipantIDsJSON: trashed.ParticipantIDsJSON,
		RecordingDay:       trashed.RecordingDay,
		RecordingTime:      trashed.RecordingTime,
		Status:             trashed.Status,
		Version:            trashed.Version,
		LastModifiedBy:     trashed.LastModifiedBy,
		CreatedAtSeconds:   trashed.CreatedAtSeconds,
		UpdatedAtSeconds:   trashed.UpdatedAtSeconds,
	}
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	s.logger.Error("posts store error", attrs...)
}
