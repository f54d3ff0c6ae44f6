// Package backup produces and restores point-in-time exports of every record
// table, used for manual backup and disaster recovery.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rundownlab/rundown/internal/audit"
	"github.com/rundownlab/rundown/internal/posts"
	"github.com/rundownlab/rundown/internal/reference"
	"github.com/rundownlab/rundown/internal/syncing"
)

const (
	opExport = "backup.export"
	opImport = "backup.import"
)

var errMissingDatabase = errors.New("database handle is required")

// Snapshot is the full exported state, including the audit trail.
type Snapshot struct {
	ExportedAtSeconds int64                    `json:"exported_at_s"`
	Posts             []posts.Post             `json:"posts"`
	Trash             []posts.TrashedPost      `json:"trash"`
	Sequences         []posts.GroupSequence    `json:"group_sequences"`
	AuditEntries      []audit.Entry            `json:"audit_entries"`
	SyncStatus        []syncing.SyncStatus     `json:"sync_status"`
	TypeTemplates     []reference.TypeTemplate `json:"type_templates"`
	Participants      []reference.Participant  `json:"participants"`
}

// ServiceConfig describes the backup service dependencies.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
	Audit     *audit.Recorder
	SafetyDir string
}

// Service exports and imports snapshots.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	audit     *audit.Recorder
	safetyDir string
}

// NewService constructs the backup service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, posts.NewServiceError("backup.service.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	safetyDir := cfg.SafetyDir
	if safetyDir == "" {
		safetyDir = os.TempDir()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger, audit: cfg.Audit, safetyDir: safetyDir}, nil
}

// Export collects every table into a snapshot.
func (s *Service) Export(ctx context.Context) (Snapshot, error) {
	snapshot := Snapshot{ExportedAtSeconds: s.clock().UTC().Unix()}
	db := s.db.WithContext(ctx)

	collect := func(reason string, dest interface{}) error {
		if err := db.Find(dest).Error; err != nil {
			return posts.NewServiceError(opExport, reason, err)
		}
		return nil
	}

	if err := collect("posts_failed", &snapshot.Posts); err != nil {
		return Snapshot{}, err
	}
	if err := collect("trash_failed", &snapshot.Trash); err != nil {
		return Snapshot{}, err
	}
	if err := collect("sequences_failed", &snapshot.Sequences); err != nil {
		return Snapshot{}, err
	}
	if err := collect("audit_failed", &snapshot.AuditEntries); err != nil {
		return Snapshot{}, err
	}
	if err := collect("sync_status_failed", &snapshot.SyncStatus); err != nil {
		return Snapshot{}, err
	}
	if err := collect("type_templates_failed", &snapshot.TypeTemplates); err != nil {
		return Snapshot{}, err
	}
	if err := collect("participants_failed", &snapshot.Participants); err != nil {
		return Snapshot{}, err
	}

	// Recorded after the collect so the snapshot does not contain its own
	// archive entry.
	if s.audit != nil {
		s.audit.Record(ctx, audit.Entry{
			Actor:      string(posts.SourceSystem),
			Action:     audit.ActionArchive,
			EntityType: "snapshot",
			EntityID:   fmt.Sprintf("%d", snapshot.ExportedAtSeconds),
			NewValue:   fmt.Sprintf(`{"posts":%d,"trash":%d}`, len(snapshot.Posts), len(snapshot.Trash)),
			Source:     string(posts.SourceSystem),
		})
	}
	return snapshot, nil
}

// Import replaces table contents with the snapshot. A pre-restore safety
// export is written to the safety directory first; the import aborts if that
// write fails.
func (s *Service) Import(ctx context.Context, snapshot Snapshot) (string, error) {
	safetyPath, err := s.writeSafetyExport(ctx)
	if err != nil {
		return "", err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tables := []interface{}{
			&posts.Post{}, &posts.TrashedPost{}, &posts.GroupSequence{},
			&audit.Entry{}, &syncing.SyncStatus{},
			&reference.TypeTemplate{}, &reference.Participant{},
		}
		for _, table := range tables {
			if err := tx.Where("1 = 1").Delete(table).Error; err != nil {
				return posts.NewServiceError(opImport, "truncate_failed", err)
			}
		}

		insert := func(reason string, rows interface{}, count int) error {
			if count == 0 {
				return nil
			}
			if err := tx.Create(rows).Error; err != nil {
				return posts.NewServiceError(opImport, reason, err)
			}
			return nil
		}

		if err := insert("posts_failed", &snapshot.Posts, len(snapshot.Posts)); err != nil {
			return err
		}
		if err := insert("trash_failed", &snapshot.Trash, len(snapshot.Trash)); err != nil {
			return err
		}
		if err := insert("sequences_failed", &snapshot.Sequences, len(snapshot.Sequences)); err != nil {
			return err
		}
		if err := insert("audit_failed", &snapshot.AuditEntries, len(snapshot.AuditEntries)); err != nil {
			return err
		}
		if err := insert("sync_status_failed", &snapshot.SyncStatus, len(snapshot.SyncStatus)); err != nil {
			return err
		}
		if err := insert("type_templates_failed", &snapshot.TypeTemplates, len(snapshot.TypeTemplates)); err != nil {
			return err
		}
		return insert("participants_failed", &snapshot.Participants, len(snapshot.Participants))
	})
	if txErr != nil {
		s.logger.Error("snapshot import failed", zap.Error(txErr), zap.String("safety_export", safetyPath))
		return safetyPath, txErr
	}

	s.logger.Info("snapshot imported",
		zap.Int("posts", len(snapshot.Posts)),
		zap.Int("trash", len(snapshot.Trash)),
		zap.String("safety_export", safetyPath))
	return safetyPath, nil
}

func (s *Service) writeSafetyExport(ctx context.Context) (string, error) {
	snapshot, err := s.Export(ctx)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return "", posts.NewServiceError(opImport, "safety_encode_failed", err)
	}
	if err := os.MkdirAll(s.safetyDir, 0o755); err != nil {
		return "", posts.NewServiceError(opImport, "safety_dir_failed", err)
	}
	name := fmt.Sprintf("pre_restore_%d.json", s.clock().UTC().Unix())
	path := filepath.Join(s.safetyDir, name)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", posts.NewServiceError(opImport, "safety_write_failed", err)
	}
	return path, nil
}
