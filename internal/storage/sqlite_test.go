package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bunkodb/bunko/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetChunks(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	chunks := []*models.Chunk{
		{Text: "first chunk", Metadata: map[string]interface{}{"page": "1"}},
		{Text: "second chunk"},
	}
	if err := store.PutChunks(ctx, "/docs/a.txt", chunks); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetChunk(ctx, "/docs/a.txt", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "second chunk" || got.ChunkIndex != 1 {
		t.Errorf("unexpected chunk: %+v", got)
	}

	first, err := store.GetChunk(ctx, "/docs/a.txt", 0)
	if err != nil {
		t.Fatal(err)
	}
	if first.Metadata["page"] != "1" {
		t.Errorf("metadata lost: %+v", first.Metadata)
	}

	all, err := store.GetChunksByDocumentID(ctx, "/docs/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ChunkIndex != 0 || all[1].ChunkIndex != 1 {
		t.Errorf("unexpected chunk order: %+v", all)
	}
}

func TestPutChunks_ReplacesExisting(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	_ = store.PutChunks(ctx, "/docs/a.txt", []*models.Chunk{{Text: "old 0"}, {Text: "old 1"}, {Text: "old 2"}})
	if err := store.PutChunks(ctx, "/docs/a.txt", []*models.Chunk{{Text: "new 0"}}); err != nil {
		t.Fatal(err)
	}

	all, _ := store.GetChunksByDocumentID(ctx, "/docs/a.txt")
	if len(all) != 1 || all[0].Text != "new 0" {
		t.Errorf("PutChunks must replace, got %+v", all)
	}
}

func TestDeleteChunksByDocumentID(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	_ = store.PutChunks(ctx, "/docs/a.txt", []*models.Chunk{{Text: "a"}})
	_ = store.PutChunks(ctx, "/docs/b.txt", []*models.Chunk{{Text: "b"}})

	if err := store.DeleteChunksByDocumentID(ctx, "/docs/a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetChunk(ctx, "/docs/a.txt", 0); err == nil {
		t.Error("deleted chunk still present")
	}
	n, _ := store.CountChunks(ctx)
	if n != 1 {
		t.Errorf("CountChunks=%d, want 1", n)
	}
}

func TestDeleteAll(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	_ = store.PutChunks(ctx, "/docs/a.txt", []*models.Chunk{{Text: "a"}, {Text: "aa"}})
	if err := store.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	n, _ := store.CountChunks(ctx)
	if n != 0 {
		t.Errorf("CountChunks=%d after DeleteAll", n)
	}
}
