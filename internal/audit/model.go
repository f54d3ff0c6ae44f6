package audit

// Action enumerates the recorded mutation kinds.
type Action string

const (
	// ActionCreate records a new post insertion.
	ActionCreate Action = "create"
	// ActionUpdate records a field-level or whole-record update.
	ActionUpdate Action = "update"
	// ActionDelete records a soft delete into the trash collection.
	ActionDelete Action = "delete"
	// ActionRestore records a recovery from the trash collection.
	ActionRestore Action = "restore"
	// ActionArchive records an export taken for backup or pre-restore safety.
	ActionArchive Action = "archive"
)

// maxValueLength bounds stored old/new values so a single oversized payload
// cannot bloat the audit table.
const maxValueLength = 500

// Entry is one immutable audit row. Rows are append-only; nothing in the
// service updates or deletes them.
type Entry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	RecordedAtSecond int64  `gorm:"column:recorded_at_s;not null;index:idx_audit_entity_time,priority:2"`
	Actor            string `gorm:"column:actor;size:190;not null"`
	Action           Action `gorm:"column:action;size:32;not null"`
	EntityType       string `gorm:"column:entity_type;size:64;not null;index:idx_audit_entity_time,priority:1"`
	EntityID         string `gorm:"column:entity_id;size:190;not null"`
	Field            string `gorm:"column:field;size:64"`
	OldValue         string `gorm:"column:old_value;size:500"`
	NewValue         string `gorm:"column:new_value;size:500"`
	Source           string `gorm:"column:source;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "audit_entries"
}

// Truncate bounds a value to the audit column size.
func Truncate(value string) string {
	if len(value) <= maxValueLength {
		return value
	}
	return value[:maxValueLength]
}
