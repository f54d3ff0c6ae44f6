package syncing

// SyncStatus tracks per-source reconciliation state for one entity. Rows are
// created on the first sync attempt, updated on every subsequent one, and
// never deleted: stale rows are diagnostic history.
type SyncStatus struct {
	EntityType          string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID            string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Source              string `gorm:"column:source;primaryKey;size:32;not null"`
	LastSyncedAtSeconds int64  `gorm:"column:last_synced_at_s;not null"`
	ConflictFlag        bool   `gorm:"column:conflict_flag;not null;default:false"`
	ConflictPayloadJSON string `gorm:"column:conflict_payload_json;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (SyncStatus) TableName() string {
	return "sync_status"
}
