package index_test

import (
	"context"
	"errors"
	"testing"

	"vaultline/internal/index"
)

func TestMarkAndSeen(t *testing.T) {
	ix, err := index.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ix.Close()
	ctx := context.Background()

	if _, err := ix.Seen(ctx, "hash-a", "report.txt"); !errors.Is(err, index.ErrNotFound) {
		t.Fatalf("fresh key should be unseen, got %v", err)
	}
	if err := ix.Mark(ctx, "hash-a", "report.txt", "rec-1", "2026-08-29T12:00:00Z"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	id, err := ix.Seen(ctx, "hash-a", "report.txt")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if id != "rec-1" {
		t.Fatalf("want rec-1, got %s", id)
	}
	// same content under a different name is a different input
	if _, err := ix.Seen(ctx, "hash-a", "other.txt"); !errors.Is(err, index.ErrNotFound) {
		t.Fatalf("different name should be unseen, got %v", err)
	}
}

func TestMarkIsIdempotent(t *testing.T) {
	ix, err := index.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ix.Mark(ctx, "hash-b", "dup.txt", "rec-2", "2026-08-29T12:00:00Z"); err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
	}
	n, err := ix.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("duplicate marks created rows: %d", n)
	}
	// the first record id wins
	id, err := ix.Seen(ctx, "hash-b", "dup.txt")
	if err != nil || id != "rec-2" {
		t.Fatalf("want rec-2, got %s %v", id, err)
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ix, err := index.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := ix.Mark(ctx, "hash-c", "keep.txt", "rec-3", "2026-08-29T12:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := index.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	id, err := reopened.Seen(ctx, "hash-c", "keep.txt")
	if err != nil || id != "rec-3" {
		t.Fatalf("index lost across reopen: %s %v", id, err)
	}
}
