package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IDProvider issues identifiers for audit rows.
type IDProvider interface {
	NewID() (string, error)
}

// RecorderConfig describes the dependencies of the audit recorder.
type RecorderConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Recorder appends audit entries. Record never surfaces a failure to its
// caller: a mutation that already committed must not be reported as failed
// because its audit row could not be written.
type Recorder struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewRecorder constructs the audit recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}
}

// Record appends one entry, stamping the id and timestamp and truncating the
// captured values. Failures are logged locally and swallowed.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r.db == nil || r.idProvider == nil {
		r.logger.Warn("audit recorder not wired, dropping entry",
			zap.String("entity_id", entry.EntityID),
			zap.String("action", string(entry.Action)))
		return
	}

	entryID, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Error("audit id generation failed",
			zap.Error(err),
			zap.String("entity_id", entry.EntityID))
		return
	}

	entry.EntryID = entryID
	entry.RecordedAtSecond = r.clock().UTC().Unix()
	entry.OldValue = Truncate(entry.OldValue)
	entry.NewValue = Truncate(entry.NewValue)

	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logger.Error("audit insert failed",
			zap.Error(err),
			zap.String("entity_id", entry.EntityID),
			zap.String("action", string(entry.Action)))
	}
}

// List returns entries for one entity, newest first. Used by diagnostics and
// the export surface.
func (r *Recorder) List(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("recorded_at_s DESC, entry_id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
