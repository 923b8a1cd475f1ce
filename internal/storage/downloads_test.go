package storage

import (
	"testing"

	"github.com/tandemtalk/tandemtalk/internal/proto"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDownloadLedgerOperations(t *testing.T) {
	db := newTestDB(t)

	if err := db.MarkDownloaded("msg-1", 0); err != nil {
		t.Fatalf("MarkDownloaded failed: %v", err)
	}
	// Marking again just refreshes the timestamp.
	if err := db.MarkDownloaded("msg-1", 0); err != nil {
		t.Fatalf("repeat MarkDownloaded failed: %v", err)
	}

	got, err := db.IsDownloaded("msg-1", 0)
	if err != nil {
		t.Fatalf("IsDownloaded failed: %v", err)
	}
	if !got {
		t.Fatal("expected msg-1[0] to be downloaded")
	}

	// Indexes are tracked per attachment, not per message.
	got, err = db.IsDownloaded("msg-1", 1)
	if err != nil {
		t.Fatalf("IsDownloaded failed: %v", err)
	}
	if got {
		t.Fatal("expected msg-1[1] to be absent")
	}

	got, err = db.IsDownloaded("missing", 0)
	if err != nil {
		t.Fatalf("IsDownloaded failed: %v", err)
	}
	if got {
		t.Fatal("expected unknown message to be absent")
	}
}

func TestDownloadLedgerValidation(t *testing.T) {
	db := newTestDB(t)

	if err := db.MarkDownloaded("", 0); err == nil {
		t.Fatal("expected error for empty message id")
	}
	if err := db.MarkDownloaded("msg-1", -1); err == nil {
		t.Fatal("expected error for negative index")
	}
	if _, err := db.IsDownloaded("", 0); err == nil {
		t.Fatal("expected error for empty message id")
	}
	if _, err := db.PruneBefore(0); err == nil {
		t.Fatal("expected error for zero cutoff")
	}
}

func TestPruneBeforeDropsOnlyOldRows(t *testing.T) {
	db := newTestDB(t)

	old := proto.NowMillis() - 10_000
	if _, err := db.db.Exec(
		`INSERT INTO downloaded_attachments (message_id, attachment_index, downloaded_at) VALUES (?, ?, ?)`,
		"msg-old", 0, old,
	); err != nil {
		t.Fatalf("seed old row: %v", err)
	}
	if err := db.MarkDownloaded("msg-new", 0); err != nil {
		t.Fatalf("MarkDownloaded failed: %v", err)
	}

	pruned, err := db.PruneBefore(proto.NowMillis() - 5_000)
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned row, got %d", pruned)
	}

	gone, err := db.IsDownloaded("msg-old", 0)
	if err != nil {
		t.Fatal(err)
	}
	kept, err := db.IsDownloaded("msg-new", 0)
	if err != nil {
		t.Fatal(err)
	}
	if gone {
		t.Fatal("expected msg-old to be pruned")
	}
	if !kept {
		t.Fatal("expected msg-new to remain")
	}
}

func TestOpenCreatesDataDir(t *testing.T) {
	dir := t.TempDir() + "/nested/client"
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() == "" {
		t.Fatal("expected a database path")
	}
}
