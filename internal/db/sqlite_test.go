package db_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dealsense/dealsense/internal/db"
	"github.com/dealsense/dealsense/internal/models"
	"github.com/dealsense/dealsense/internal/store"
)

func openTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestSaveLoadStoreRoundTrip(t *testing.T) {
	database := openTestDB(t)

	st := store.New("user1")
	st = store.AddMessage(st, "analyst", models.Message{
		ID: "m1", Role: models.RoleUser, Content: "hello", Timestamp: time.Now(),
	}, 0)
	st = store.UpdateSharedContext(st, models.FieldDealStage, "diligence")

	if err := database.SaveStore(st); err != nil {
		t.Fatalf("failed to save store: %v", err)
	}

	loaded, err := database.LoadStore("user1")
	if err != nil {
		t.Fatalf("failed to load store: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected store, got nil")
	}
	if loaded.Sessions["analyst"].MessageCount != 1 {
		t.Errorf("expected counter 1, got %d", loaded.Sessions["analyst"].MessageCount)
	}
	if loaded.Sessions["analyst"].Messages[0].Content != "hello" {
		t.Errorf("unexpected message content %q", loaded.Sessions["analyst"].Messages[0].Content)
	}
	if loaded.SharedContext.DealStage != "diligence" {
		t.Errorf("unexpected deal stage %q", loaded.SharedContext.DealStage)
	}
}

func TestSaveStoreOverwritesPreviousRow(t *testing.T) {
	database := openTestDB(t)

	st := store.New("user1")
	if err := database.SaveStore(st); err != nil {
		t.Fatalf("failed to save empty store: %v", err)
	}

	st = store.AddMessage(st, "analyst", models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"}, 0)
	if err := database.SaveStore(st); err != nil {
		t.Fatalf("failed to overwrite store: %v", err)
	}

	loaded, err := database.LoadStore("user1")
	if err != nil {
		t.Fatalf("failed to load store: %v", err)
	}
	if loaded.Sessions["analyst"].MessageCount != 1 {
		t.Error("expected the newer store state after overwrite")
	}
}

func TestLoadStoreMissingUser(t *testing.T) {
	database := openTestDB(t)

	loaded, err := database.LoadStore("nobody")
	if err != nil {
		t.Fatalf("missing row should not be an error: %v", err)
	}
	if loaded != nil {
		t.Error("expected nil store for unknown user")
	}
}

func TestDocumentsAuditLog(t *testing.T) {
	database := openTestDB(t)

	rec := models.DocumentRecord{
		ID: "doc-1", Type: models.DocTypeLOI, Title: "Letter of Intent",
		Status: models.DocStatusSaved, StorageKey: "loi-20240612.md",
		WordCount: 250, GeneratedAt: time.Now(),
	}
	if err := database.SaveDocument("user1", "analyst", rec); err != nil {
		t.Fatalf("failed to save document: %v", err)
	}
	// Records are immutable: re-saving the same id is a no-op, not an error.
	if err := database.SaveDocument("user1", "analyst", rec); err != nil {
		t.Fatalf("duplicate save should be ignored: %v", err)
	}

	records, err := database.ListDocuments("user1", 10)
	if err != nil {
		t.Fatalf("failed to list documents: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Type != models.DocTypeLOI || records[0].WordCount != 250 {
		t.Errorf("unexpected record %+v", records[0])
	}
}
