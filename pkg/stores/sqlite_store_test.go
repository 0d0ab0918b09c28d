package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// setupFileStore creates a file-backed store, as used for concurrency and restart tests.
func setupFileStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func testFlow(inPort, outPort int) flows.Flow {
	return flows.Flow{
		Priority:    10,
		IdleTimeout: 360,
		HardTimeout: 1200,
		Match:       flows.Match{"in_port": inPort},
		Actions:     []flows.Action{{Type: flows.ActionOutput, Port: uint32(outPort)}},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"flows", "device_tags", "reconcile_events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating again is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

// TestFlowCRUD tests upsert, get and list of flow records
func TestFlowCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	ids, err := store.UpsertFlows(ctx, "s1", []flows.Flow{testFlow(1, 2), testFlow(2, 1)})
	if err != nil {
		t.Fatalf("failed to upsert flows: %v", err)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected two distinct ids, got %v", ids)
	}

	rec, err := store.GetFlow(ctx, ids[0])
	if err != nil {
		t.Fatalf("failed to get flow: %v", err)
	}
	if rec.DeviceID != "s1" || rec.State != flows.StatePending {
		t.Errorf("unexpected record: %+v", rec)
	}
	if !rec.Flow.Equal(testFlow(1, 2)) {
		t.Errorf("flow did not round-trip: %+v", rec.Flow)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	if _, err := store.UpsertFlows(ctx, "s2", []flows.Flow{testFlow(1, 2)}); err != nil {
		t.Fatalf("failed to upsert flows: %v", err)
	}

	all, err := store.ListFlows(ctx, flows.Filter{})
	if err != nil {
		t.Fatalf("failed to list flows: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 records, got %d", len(all))
	}
	if all[0].ID != ids[0] || all[1].ID != ids[1] {
		t.Error("expected records in insertion order per device")
	}

	s2, err := store.ListFlows(ctx, flows.Filter{DeviceIDs: []string{"s2"}})
	if err != nil {
		t.Fatalf("failed to list flows: %v", err)
	}
	if len(s2) != 1 || s2[0].DeviceID != "s2" {
		t.Errorf("expected one s2 record, got %+v", s2)
	}

	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatalf("failed to list devices: %v", err)
	}
	if len(devices) != 2 || devices[0] != "s1" || devices[1] != "s2" {
		t.Errorf("unexpected devices: %v", devices)
	}

	if _, err := store.GetFlow(ctx, "missing"); !errors.Is(err, flows.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestUpsertIdentity tests that identity, not content, selects the record
func TestUpsertIdentity(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	f := testFlow(1, 2)

	ids, err := store.UpsertFlows(ctx, "s1", []flows.Flow{f})
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if err := store.SetFlowState(ctx, ids[0], flows.StateInstalled, ""); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}

	// Same flow again keeps the record installed
	again, err := store.UpsertFlows(ctx, "s1", []flows.Flow{f})
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if again[0] != ids[0] {
		t.Errorf("expected same record id, got %s and %s", ids[0], again[0])
	}
	if rec, _ := store.GetFlow(ctx, ids[0]); rec.State != flows.StateInstalled {
		t.Errorf("expected installed to be kept, got %s", rec.State)
	}

	// Same identity with new actions updates the record and resets it to pending
	changed := f.Clone()
	changed.Actions = []flows.Action{{Type: flows.ActionOutput, Port: 9}}
	updated, err := store.UpsertFlows(ctx, "s1", []flows.Flow{changed})
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if updated[0] != ids[0] {
		t.Error("changed flow with same identity must update the record")
	}
	rec, _ := store.GetFlow(ctx, ids[0])
	if rec.State != flows.StatePending || !rec.Flow.Equal(changed) {
		t.Errorf("expected pending record with new actions, got %s %+v", rec.State, rec.Flow)
	}

	// A deleted identity is recreated as a new record
	if _, err := store.SoftDeleteMatching(ctx, "s1", []flows.Flow{f}); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	recreated, err := store.UpsertFlows(ctx, "s1", []flows.Flow{f})
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if recreated[0] == ids[0] {
		t.Error("expected a new record after delete")
	}

	// Same identity on another device is another record
	other, err := store.UpsertFlows(ctx, "s2", []flows.Flow{f})
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if other[0] == recreated[0] {
		t.Error("records must be per device")
	}
}

// TestUpsertClearsError tests that resubmitting a failed flow retries it
func TestUpsertClearsError(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	f := testFlow(1, 2)

	ids, _ := store.UpsertFlows(ctx, "s1", []flows.Flow{f})
	if err := store.SetFlowState(ctx, ids[0], flows.StateError, "rejected"); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}

	if _, err := store.UpsertFlows(ctx, "s1", []flows.Flow{f}); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	rec, _ := store.GetFlow(ctx, ids[0])
	if rec.State != flows.StatePending || rec.Error != "" {
		t.Errorf("expected pending with no error, got %s %q", rec.State, rec.Error)
	}
}

// TestStateTransitions tests the record state machine
func TestStateTransitions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	ids, _ := store.UpsertFlows(ctx, "s1", []flows.Flow{testFlow(1, 2)})
	id := ids[0]

	steps := []struct {
		to      flows.State
		wantErr bool
	}{
		{flows.StateInstalled, false},
		{flows.StatePending, true},
		{flows.StateError, false},
		{flows.StateError, false},
		{flows.StateInstalled, false},
		{flows.StateDeleted, false},
		{flows.StateInstalled, true},
		{flows.StateDeleted, false},
	}

	for i, step := range steps {
		err := store.SetFlowState(ctx, id, step.to, "")
		if step.wantErr {
			if !errors.Is(err, flows.ErrInvalidTransition) {
				t.Errorf("step %d: expected ErrInvalidTransition for -> %s, got %v", i, step.to, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("step %d: unexpected error for -> %s: %v", i, step.to, err)
		}
	}

	if err := store.SetFlowState(ctx, "missing", flows.StateInstalled, ""); !errors.Is(err, flows.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetFlowState(ctx, id, flows.State("bogus"), ""); err == nil {
		t.Error("expected error for unknown state")
	}

	// Error reasons are stored with the state
	ids, _ = store.UpsertFlows(ctx, "s1", []flows.Flow{testFlow(5, 6)})
	if err := store.SetFlowState(ctx, ids[0], flows.StateError, "device timeout"); err != nil {
		t.Fatalf("failed to set error: %v", err)
	}
	if rec, _ := store.GetFlow(ctx, ids[0]); rec.Error != "device timeout" {
		t.Errorf("expected error reason, got %q", rec.Error)
	}
}

// TestSoftDelete tests deletion by identity and of a whole device
func TestSoftDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	ids, _ := store.UpsertFlows(ctx, "s1", []flows.Flow{testFlow(1, 2), testFlow(2, 1), testFlow(3, 1)})

	deleted, err := store.SoftDeleteMatching(ctx, "s1", []flows.Flow{testFlow(1, 2), testFlow(1, 2), testFlow(9, 9)})
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != ids[0] {
		t.Errorf("expected only the matching record deleted, got %v", deleted)
	}

	none, err := store.SoftDeleteMatching(ctx, "s1", []flows.Flow{})
	if err != nil || len(none) != 0 {
		t.Errorf("expected no-op for empty list, got %v %v", none, err)
	}

	rest, err := store.SoftDeleteMatching(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("failed to delete all: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("expected remaining 2 records deleted, got %v", rest)
	}

	// Deleted records stay queryable
	deletedRecs, err := store.ListFlows(ctx, flows.Filter{States: []flows.State{flows.StateDeleted}})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(deletedRecs) != 3 {
		t.Errorf("expected 3 deleted records, got %d", len(deletedRecs))
	}

	if err := store.SoftDeleteFlow(ctx, ids[0]); err != nil {
		t.Errorf("deleting a deleted record must be a no-op, got %v", err)
	}
}

// TestRestart tests that records survive reopening the database
func TestRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.db")
	ctx := context.Background()

	store := setupFileStore(t, path)
	ids, err := store.UpsertFlows(ctx, "s1", []flows.Flow{testFlow(1, 2)})
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if err := store.SetFlowState(ctx, ids[0], flows.StateInstalled, ""); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}
	if err := store.SetTags(ctx, "s1", map[string]string{"rack": "r1"}); err != nil {
		t.Fatalf("failed to set tags: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened := setupFileStore(t, path)
	defer reopened.Close()

	rec, err := reopened.GetFlow(ctx, ids[0])
	if err != nil {
		t.Fatalf("record lost across restart: %v", err)
	}
	if rec.State != flows.StateInstalled || !rec.Flow.Equal(testFlow(1, 2)) {
		t.Errorf("unexpected record after restart: %+v", rec)
	}

	tags, err := reopened.Tags(ctx, "s1")
	if err != nil || tags["rack"] != "r1" {
		t.Errorf("tags lost across restart: %v %v", tags, err)
	}
}

// TestConcurrentUpserts tests that concurrent writers of one identity share a record
func TestConcurrentUpserts(t *testing.T) {
	store := setupFileStore(t, filepath.Join(t.TempDir(), "flows.db"))
	defer store.Close()

	ctx := context.Background()
	f := testFlow(1, 2)

	const writers = 100
	var wg sync.WaitGroup
	results := make([]string, writers)
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids, err := store.UpsertFlows(ctx, "s1", []flows.Flow{f})
			errs[i] = err
			if err == nil {
				results[i] = ids[0]
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d failed: %v", i, err)
		}
	}
	for i := 1; i < writers; i++ {
		if results[i] != results[0] {
			t.Fatalf("writer %d got record %s, expected %s", i, results[i], results[0])
		}
	}

	records, err := store.ListFlows(ctx, flows.Filter{DeviceIDs: []string{"s1"}})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected a single record, got %d", len(records))
	}
}

// TestConcurrentDistinctUpserts tests that concurrent writers of distinct identities all persist
func TestConcurrentDistinctUpserts(t *testing.T) {
	store := setupFileStore(t, filepath.Join(t.TempDir(), "flows.db"))
	defer store.Close()

	ctx := context.Background()

	const writers = 100
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.UpsertFlows(ctx, "s1", []flows.Flow{testFlow(i+1, 1)})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d failed: %v", i, err)
		}
	}

	records, err := store.ListFlows(ctx, flows.Filter{DeviceIDs: []string{"s1"}})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(records) != writers {
		t.Fatalf("expected %d records, got %d", writers, len(records))
	}

	ports := make(map[string]bool, writers)
	for _, rec := range records {
		if rec.State != flows.StatePending {
			t.Errorf("record %s in state %s, expected pending", rec.ID, rec.State)
		}
		ports[rec.Flow.Key()] = true
	}
	if len(ports) != writers {
		t.Errorf("expected %d distinct identities, got %d", writers, len(ports))
	}
}

// TestUpsertSupersedesSameSlot tests that a new identity on an occupied table entry retires the old record
func TestUpsertSupersedesSameSlot(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	plain := testFlow(1, 2)
	first, err := store.UpsertFlows(ctx, "s1", []flows.Flow{plain})
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if err := store.SetFlowState(ctx, first[0], flows.StateInstalled, ""); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}

	cookied := testFlow(1, 3)
	cookied.Cookie = 0x5
	second, err := store.UpsertFlows(ctx, "s1", []flows.Flow{cookied})
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if second[0] == first[0] {
		t.Fatal("a different identity must get its own record")
	}

	old, err := store.GetFlow(ctx, first[0])
	if err != nil {
		t.Fatalf("failed to get flow: %v", err)
	}
	if old.State != flows.StateDeleted {
		t.Errorf("expected superseded record to be deleted, got %s", old.State)
	}

	// The same slot on another device is unaffected.
	other, err := store.UpsertFlows(ctx, "s2", []flows.Flow{plain})
	if err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	live, err := store.ListFlows(ctx, flows.Filter{
		States: []flows.State{flows.StatePending, flows.StateInstalled, flows.StateError},
	})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(live) != 2 || live[0].ID != second[0] || live[1].ID != other[0] {
		t.Errorf("expected the cookie flow on s1 and the plain flow on s2, got %+v", live)
	}
}

// TestDeviceTags tests tag CRUD including concurrent writers
func TestDeviceTags(t *testing.T) {
	store := setupFileStore(t, filepath.Join(t.TempDir(), "flows.db"))
	defer store.Close()

	ctx := context.Background()

	const writers = 100
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.SetTags(ctx, "s1", map[string]string{fmt.Sprintf("k%03d", i): fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent SetTags failed: %v", err)
		}
	}

	tags, err := store.Tags(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to get tags: %v", err)
	}
	if len(tags) != writers || tags["k042"] != "42" {
		t.Errorf("expected %d tags, got %d", writers, len(tags))
	}

	if err := store.SetTags(ctx, "s1", map[string]string{"k042": "updated"}); err != nil {
		t.Fatalf("failed to update tag: %v", err)
	}
	if err := store.DeleteTag(ctx, "s1", "k000"); err != nil {
		t.Fatalf("failed to delete tag: %v", err)
	}
	if err := store.DeleteTag(ctx, "s1", "k000"); err == nil {
		t.Error("expected error deleting missing tag")
	}

	tags, _ = store.Tags(ctx, "s1")
	if len(tags) != writers-1 || tags["k042"] != "updated" {
		t.Errorf("unexpected tags after update: %d entries, k042=%q", len(tags), tags["k042"])
	}

	empty, err := store.Tags(ctx, "unknown")
	if err != nil || len(empty) != 0 {
		t.Errorf("expected no tags for unknown device, got %v %v", empty, err)
	}
}

// TestEventOperations tests the reconcile event log
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	summary := engine.SweepSummary{
		ID:        "sweep-001",
		Reason:    engine.ReasonInterval,
		StartedAt: now,
		Devices: []engine.DeviceReport{
			{DeviceID: "s1", Added: 2, Unchanged: 3},
			{DeviceID: "s2", Skipped: true, SkipReason: engine.SkipDisconnected},
			{DeviceID: "s3", Failed: 1, Error: "device exchange failed"},
		},
	}
	if err := store.ObserveSweep(ctx, summary); err != nil {
		t.Fatalf("failed to observe sweep: %v", err)
	}

	manual := &ReconcileEvent{
		SweepID:   "sweep-002",
		Reason:    engine.ReasonManual,
		DeviceID:  "s1",
		Removed:   1,
		Timestamp: now.Add(time.Second),
	}
	if err := store.AppendEvent(ctx, manual); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if manual.ID == 0 {
		t.Error("expected event ID to be set")
	}

	all, err := store.ListEvents(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	if all[0].SweepID != "sweep-002" {
		t.Errorf("expected newest event first, got %s", all[0].SweepID)
	}

	device := "s1"
	s1, err := store.ListEvents(ctx, &device, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(s1) != 2 || s1[1].Added != 2 || s1[1].Unchanged != 3 {
		t.Errorf("unexpected s1 events: %+v", s1)
	}

	device = "s2"
	s2, _ := store.ListEvents(ctx, &device, 10, 0)
	if len(s2) != 1 || !s2[0].Skipped || s2[0].Detail != engine.SkipDisconnected {
		t.Errorf("unexpected s2 events: %+v", s2)
	}

	device = "s3"
	s3, _ := store.ListEvents(ctx, &device, 10, 0)
	if len(s3) != 1 || s3[0].Detail != "device exchange failed" {
		t.Errorf("unexpected s3 events: %+v", s3)
	}

	page, _ := store.ListEvents(ctx, nil, 2, 2)
	if len(page) != 2 {
		t.Errorf("expected page of 2, got %d", len(page))
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	// Run tests
	code := m.Run()

	// Exit
	os.Exit(code)
}
