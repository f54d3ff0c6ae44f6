package syncing

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/rundownlab/rundown/internal/audit"
	"github.com/rundownlab/rundown/internal/cache"
	"github.com/rundownlab/rundown/internal/posts"
)

type staticIDProvider struct {
	next int
}

func (p *staticIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("audit-%d", p.next), nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *posts.Store
	recorder    *audit.Recorder
	cached      *cache.Cache
	dispatcher  *Dispatcher
	db          *gorm.DB
}

func newCoordinatorFixture(t *testing.T) coordinatorFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:rundown_syncing_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(&posts.Post{}, &posts.TrashedPost{}, &posts.GroupSequence{}, &audit.Entry{}, &SyncStatus{})
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1740000000, 0).UTC() }
	store, err := posts.NewStore(posts.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	recorder := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDProvider{},
	})
	cached := cache.New(cache.Config{TTL: time.Minute, Clock: clock})
	dispatcher := NewDispatcher()

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:      store,
		Database:   db,
		Audit:      recorder,
		Cache:      cached,
		Dispatcher: dispatcher,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinatorFixture{
		coordinator: coordinator,
		store:       store,
		recorder:    recorder,
		cached:      cached,
		dispatcher:  dispatcher,
		db:          db,
	}
}

func (f coordinatorFixture) mustCreate(t *testing.T, title string) posts.Post {
	t.Helper()
	created, err := f.store.Create(context.Background(), posts.NewRecord{
		GroupID:   1,
		Title:     title,
		CreatedBy: posts.SourceReplica,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return created
}

func mustParsePostID(t *testing.T, value string) posts.PostID {
	t.Helper()
	id, err := posts.NewPostID(value)
	if err != nil {
		t.Fatalf("unexpected post id error: %v", err)
	}
	return id
}

func pointerToInt(value int) *int {
	v := value
	return &v
}

func pointerToInt64(value int64) *int64 {
	v := value
	return &v
}

func pointerToString(value string) *string {
	v := value
	return &v
}

func TestApplyCreateRecordsAuditAndPublishes(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()

	events, cleanup := fixture.dispatcher.Subscribe(ctx)
	defer cleanup()

	outcome, err := fixture.coordinator.Apply(ctx, Change{
		Source: posts.SourceReplica,
		Action: ActionCreate,
		Data: RecordPayload{
			GroupID: pointerToInt(1),
			Title:   pointerToString("Opening"),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Created || outcome.Post.Version != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	entries, err := fixture.recorder.List(ctx, EntityTypePost, outcome.Post.PostID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionCreate {
		t.Fatalf("expected one create audit entry, got %+v", entries)
	}

	select {
	case event := <-events:
		if event.EventType != EventPostChanged {
			t.Fatalf("unexpected event type: %q", event.EventType)
		}
		if len(event.PostIDs) != 1 || event.PostIDs[0] != outcome.Post.PostID {
			t.Fatalf("unexpected event ids: %v", event.PostIDs)
		}
	default:
		t.Fatalf("expected a published change event")
	}
}

func TestApplyUpdateWritesFieldLevelAudit(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	created := fixture.mustCreate(t, "Segment")

	_, err := fixture.coordinator.Apply(ctx, Change{
		Source:  posts.SourceReplica,
		Action:  ActionUpdate,
		PostID:  mustParsePostID(t, created.PostID),
		Version: pointerToInt64(created.Version),
		Data: RecordPayload{
			Title: pointerToString("Segment v2"),
			Notes: pointerToString("tightened intro"),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := fixture.recorder.List(ctx, EntityTypePost, created.PostID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fields := map[string]bool{}
	for _, entry := range entries {
		if entry.Action != audit.ActionUpdate {
			t.Fatalf("unexpected action: %q", entry.Action)
		}
		fields[entry.Field] = true
	}
	if !fields["title"] || !fields["notes"] {
		t.Fatalf("expected per-field audit rows for title and notes, got %v", fields)
	}
}

func TestApplyUpdateConflictFlagsStatus(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	created := fixture.mustCreate(t, "Segment")
	id := mustParsePostID(t, created.PostID)

	// A second writer advances the record first.
	if _, err := fixture.store.Update(ctx, id, pointerToInt64(1), posts.Patch{
		Title: pointerToString("server copy"),
	}, posts.SourceAPI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := fixture.coordinator.Apply(ctx, Change{
		Source:  posts.SourceReplica,
		Action:  ActionUpdate,
		PostID:  id,
		Version: pointerToInt64(1),
		Data:    RecordPayload{Title: pointerToString("local copy")},
	})
	conflict, ok := posts.IsConflict(err)
	if !ok {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.ServerVersion != 2 {
		t.Fatalf("unexpected server version: %d", conflict.ServerVersion)
	}

	rows, err := fixture.coordinator.StatusFor(ctx, created.PostID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) == 0 {
		t.Fatalf("expected a sync status row")
	}
	var replicaRow *SyncStatus
	for i := range rows {
		if rows[i].Source == string(posts.SourceReplica) {
			replicaRow = &rows[i]
		}
	}
	if replicaRow == nil || !replicaRow.ConflictFlag {
		t.Fatalf("expected conflict flag for replica, got %+v", rows)
	}
	if replicaRow.ConflictPayloadJSON == "" {
		t.Fatalf("expected the rejected payload to be preserved")
	}
}

func TestApplyUpdateInvalidatesCachedViews(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	created := fixture.mustCreate(t, "Segment")

	if _, err := fixture.cached.Get(ctx, CacheKeyActivePosts, func(context.Context) (interface{}, error) {
		return "stale view", nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := fixture.coordinator.Apply(ctx, Change{
		Source:  posts.SourceAPI,
		Action:  ActionUpdate,
		PostID:  mustParsePostID(t, created.PostID),
		Version: pointerToInt64(created.Version),
		Data:    RecordPayload{Title: pointerToString("fresh")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := fixture.cached.Peek(CacheKeyActivePosts); ok {
		t.Fatalf("active view survived a committed write")
	}
}

func TestApplyUpdateMovingRecordingDayInvalidatesBothDays(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()

	created, err := fixture.store.Create(ctx, posts.NewRecord{
		GroupID:      1,
		Title:        "Segment",
		RecordingDay: "2026-02-20",
		CreatedBy:    posts.SourceReplica,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	primeKey := func(key string) {
		if _, err := fixture.cached.Get(ctx, key, func(context.Context) (interface{}, error) {
			return "stale view", nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	primeKey(CacheKeySchedule("2026-02-20"))
	primeKey(CacheKeySchedule("2026-02-21"))

	_, err = fixture.coordinator.Apply(ctx, Change{
		Source:  posts.SourceAPI,
		Action:  ActionUpdate,
		PostID:  mustParsePostID(t, created.PostID),
		Version: pointerToInt64(created.Version),
		Data:    RecordPayload{RecordingDay: pointerToString("2026-02-21")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := fixture.cached.Peek(CacheKeySchedule("2026-02-20")); ok {
		t.Fatalf("old day's schedule view survived the move")
	}
	if _, ok := fixture.cached.Peek(CacheKeySchedule("2026-02-21")); ok {
		t.Fatalf("new day's schedule view survived the move")
	}
}

func TestBatchSyncInvalidatesRecordAndScheduleKeys(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()

	created, err := fixture.store.Create(ctx, posts.NewRecord{
		GroupID:      1,
		Title:        "Segment",
		RecordingDay: "2026-02-20",
		CreatedBy:    posts.SourceReplica,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	primeKey := func(key string) {
		if _, err := fixture.cached.Get(ctx, key, func(context.Context) (interface{}, error) {
			return "stale view", nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	primeKey(CacheKeySchedule("2026-02-20"))
	primeKey(CacheKeyPost(created.PostID))

	result, err := fixture.coordinator.BatchSync(ctx, posts.SourceReplica, []RecordPayload{
		{PostID: created.PostID, Version: pointerToInt64(created.Version), Title: pointerToString("Renamed")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected one update, got %+v", result)
	}

	if _, ok := fixture.cached.Peek(CacheKeySchedule("2026-02-20")); ok {
		t.Fatalf("schedule view survived a batch write")
	}
	if _, ok := fixture.cached.Peek(CacheKeyPost(created.PostID)); ok {
		t.Fatalf("record cache survived a batch write")
	}
}

func TestApplyDeleteMovesRecordToTrash(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	created := fixture.mustCreate(t, "Segment")

	outcome, err := fixture.coordinator.Apply(ctx, Change{
		Source: posts.SourceReplica,
		Action: ActionDelete,
		PostID: mustParsePostID(t, created.PostID),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Post.PostID != created.PostID {
		t.Fatalf("unexpected outcome record: %+v", outcome.Post)
	}

	trashed, err := fixture.store.ListTrash(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trashed) != 1 {
		t.Fatalf("expected 1 trashed record, got %d", len(trashed))
	}
}

func TestApplyRejectsUnknownEntityType(t *testing.T) {
	fixture := newCoordinatorFixture(t)

	_, err := fixture.coordinator.Apply(context.Background(), Change{
		Source:     posts.SourceReplica,
		Action:     ActionCreate,
		EntityType: "episode",
	})
	if err == nil {
		t.Fatalf("expected entity type rejection")
	}
}

func TestBatchSyncIsolatesPerRecordFailures(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()

	existing := fixture.mustCreate(t, "Existing")
	stale := fixture.mustCreate(t, "Stale")
	id := mustParsePostID(t, stale.PostID)
	if _, err := fixture.store.Update(ctx, id, pointerToInt64(1), posts.Patch{
		Title: pointerToString("advanced"),
	}, posts.SourceAPI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := fixture.coordinator.BatchSync(ctx, posts.SourceReplica, []RecordPayload{
		{
			// No id: a brand-new record from the replica.
			GroupID: pointerToInt(2),
			Title:   pointerToString("Brand new"),
		},
		{
			// Unseen id: the replica created it while offline.
			PostID:  "7:1",
			GroupID: pointerToInt(7),
			Title:   pointerToString("Offline creation"),
		},
		{
			// In-date update.
			PostID:  existing.PostID,
			Version: pointerToInt64(existing.Version),
			Title:   pointerToString("Existing v2"),
		},
		{
			// Stale version: must land in Conflicts without aborting the batch.
			PostID:  stale.PostID,
			Version: pointerToInt64(1),
			Title:   pointerToString("stale copy"),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Created != 2 {
		t.Fatalf("expected 2 created, got %d", result.Created)
	}
	if result.Updated != 1 {
		t.Fatalf("expected 1 updated, got %d", result.Updated)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0] != stale.PostID {
		t.Fatalf("unexpected conflicts: %v", result.Conflicts)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}

	// The stale record keeps the server copy.
	kept, err := fixture.store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kept.Title != "advanced" {
		t.Fatalf("stale batch record overwrote the server copy: %q", kept.Title)
	}
}

func TestBatchSyncCollectsPerRecordErrors(t *testing.T) {
	fixture := newCoordinatorFixture(t)

	result, err := fixture.coordinator.BatchSync(context.Background(), posts.SourceReplica, []RecordPayload{
		{
			// Missing title fails validation without aborting the batch.
			GroupID: pointerToInt(1),
		},
		{
			GroupID: pointerToInt(1),
			Title:   pointerToString("Valid"),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", result.Errors)
	}
	if result.Created != 1 {
		t.Fatalf("expected valid record to still commit, got %d created", result.Created)
	}
}

func TestResolveKeepLocalForcesWrite(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	created := fixture.mustCreate(t, "Segment")
	id := mustParsePostID(t, created.PostID)

	if _, err := fixture.store.Update(ctx, id, pointerToInt64(1), posts.Patch{
		Title: pointerToString("server copy"),
	}, posts.SourceAPI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolved, err := fixture.coordinator.Resolve(ctx, Resolution{
		PostID:   id,
		Strategy: StrategyKeepLocal,
		Source:   posts.SourceReplica,
		Data:     RecordPayload{Title: pointerToString("local copy")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Title != "local copy" {
		t.Fatalf("expected local copy to win, got %q", resolved.Title)
	}
	if resolved.Version != 3 {
		t.Fatalf("forced write must advance the version, got %d", resolved.Version)
	}
}

func TestResolveUseServerClearsConflictFlag(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	created := fixture.mustCreate(t, "Segment")
	id := mustParsePostID(t, created.PostID)

	if _, err := fixture.store.Update(ctx, id, pointerToInt64(1), posts.Patch{
		Title: pointerToString("server copy"),
	}, posts.SourceAPI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := fixture.coordinator.Apply(ctx, Change{
		Source:  posts.SourceReplica,
		Action:  ActionUpdate,
		PostID:  id,
		Version: pointerToInt64(1),
		Data:    RecordPayload{Title: pointerToString("local copy")},
	})
	if _, ok := posts.IsConflict(err); !ok {
		t.Fatalf("expected conflict, got %v", err)
	}

	resolved, err := fixture.coordinator.Resolve(ctx, Resolution{
		PostID:   id,
		Strategy: StrategyUseServer,
		Source:   posts.SourceReplica,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Title != "server copy" {
		t.Fatalf("expected authoritative record, got %q", resolved.Title)
	}

	rows, err := fixture.coordinator.StatusFor(ctx, created.PostID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, row := range rows {
		if row.Source == string(posts.SourceReplica) && row.ConflictFlag {
			t.Fatalf("conflict flag not cleared: %+v", row)
		}
	}
}

func TestResolveMergeFallsBackToUseServer(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	created := fixture.mustCreate(t, "Segment")

	resolved, err := fixture.coordinator.Resolve(ctx, Resolution{
		PostID:   mustParsePostID(t, created.PostID),
		Strategy: StrategyMerge,
		Source:   posts.SourceReplica,
		Data:     RecordPayload{Title: pointerToString("merged copy")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Title != "Segment" {
		t.Fatalf("merge must return the authoritative record, got %q", resolved.Title)
	}
}

func TestRestoreThroughCoordinatorAnnouncesEvent(t *testing.T) {
	fixture := newCoordinatorFixture(t)
	ctx := context.Background()
	created := fixture.mustCreate(t, "Segment")
	id := mustParsePostID(t, created.PostID)

	if err := fixture.store.SoftDelete(ctx, id, posts.SourceAPI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, cleanup := fixture.dispatcher.Subscribe(ctx)
	defer cleanup()

	restored, err := fixture.coordinator.Restore(ctx, id, posts.SourceAPI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored.PostID != created.PostID {
		t.Fatalf("unexpected restored record: %+v", restored)
	}

	select {
	case event := <-events:
		if event.EventType != EventPostRestored {
			t.Fatalf("unexpected event type: %q", event.EventType)
		}
	default:
		t.Fatalf("expected a restore event")
	}
}

func TestParseActionRejectsUnknownValues(t *testing.T) {
	if _, err := ParseAction("upsert"); err == nil {
		t.Fatalf("expected rejection")
	}
	action, err := ParseAction(" Update ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionUpdate {
		t.Fatalf("unexpected action: %q", action)
	}
}

func TestParseStrategyRejectsUnknownValues(t *testing.T) {
	if _, err := ParseStrategy("theirs"); err == nil {
		t.Fatalf("expected rejection")
	}
	strategy, err := ParseStrategy("KEEP_LOCAL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strategy != StrategyKeepLocal {
		t.Fatalf("unexpected strategy: %q", strategy)
	}
}
