package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bunkodb/bunko/internal/models"
	"github.com/bunkodb/bunko/internal/storage"
	"github.com/bunkodb/bunko/internal/vectorstore"
)

const testDim = 4

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	chunks, err := storage.NewSQLiteStorage(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = chunks.Close() })
	m, err := NewManager(filepath.Join(dir, "index"), testDim, chunks)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testChunks(texts ...string) []*models.Chunk {
	out := make([]*models.Chunk, len(texts))
	for i, text := range texts {
		emb := make([]float32, testDim)
		for j := range emb {
			emb[j] = float32(len(text)*(j+1)) * 0.01
		}
		out[i] = &models.Chunk{Text: text, ChunkIndex: i, Embedding: emb}
	}
	return out
}

// checkInvariants asserts the partition invariant: disjoint contiguous ranges whose
// union is [0, NextID), with NextID equal to the store count.
func checkInvariants(t *testing.T, m *Manager) {
	t.Helper()
	_, table, err := m.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Validate(); err != nil {
		t.Fatalf("partition invariant violated: %v", err)
	}
	if table.NextID != m.Count() {
		t.Fatalf("next_id=%d but store count=%d", table.NextID, m.Count())
	}
}

func TestAddDocument_Monotonic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	res := m.AddDocument(ctx, "/docs/a.txt", testChunks("one", "two"))
	if !res.Success || res.VectorsAdded != 2 {
		t.Fatalf("add failed: %+v", res)
	}
	_, table, _ := m.Snapshot()
	a := table.Documents["/docs/a.txt"]
	if a.VectorIDs.Start != 0 || a.VectorIDs.End != 2 {
		t.Errorf("a range: [%d, %d), want [0, 2)", a.VectorIDs.Start, a.VectorIDs.End)
	}
	if a.DisplayName != "a.txt" || a.ChunkCount != 2 {
		t.Errorf("entry: %+v", a)
	}

	res = m.AddDocument(ctx, "/docs/b.txt", testChunks("three"))
	if !res.Success || res.VectorsAdded != 1 {
		t.Fatalf("add failed: %+v", res)
	}
	_, table, _ = m.Snapshot()
	b := table.Documents["/docs/b.txt"]
	if b.VectorIDs.Start != 2 || b.VectorIDs.End != 3 {
		t.Errorf("b range: [%d, %d), want [2, 3)", b.VectorIDs.Start, b.VectorIDs.End)
	}
	if table.NextID != 3 {
		t.Errorf("NextID=%d", table.NextID)
	}
	checkInvariants(t, m)
}

func TestAddDocument_EmptyChunksRejected(t *testing.T) {
	m := newTestManager(t)
	res := m.AddDocument(context.Background(), "/docs/empty.txt", nil)
	if res.Success || res.Error != "no content" {
		t.Errorf("expected 'no content' failure, got %+v", res)
	}
	if m.Count() != 0 {
		t.Error("state must be unchanged")
	}
}

func TestAddDocument_DimensionMismatchLeavesStateUnchanged(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.AddDocument(ctx, "/docs/a.txt", testChunks("x"))

	bad := []*models.Chunk{{Text: "bad", Embedding: []float32{1, 2}}}
	res := m.AddDocument(ctx, "/docs/bad.txt", bad)
	if res.Success {
		t.Fatal("expected failure")
	}
	if m.Count() != 1 || m.IsDocumentIndexed("/docs/bad.txt") {
		t.Error("failed add must not mutate state")
	}
	checkInvariants(t, m)
}

// Add a (2 chunks), add b (1 chunk), remove a; b shifts to [0, 1) and the
// store holds exactly b's vector.
func TestRemoveDocument_Scenario(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.AddDocument(ctx, "a.txt", testChunks("v0", "v1x"))
	m.AddDocument(ctx, "b.txt", testChunks("v2xxx"))

	vectorsBefore, _, _ := m.Snapshot()
	wantB := vectorsBefore[2]

	res := m.RemoveDocument(ctx, "a.txt")
	if !res.Success || res.VectorsRemoved != 2 {
		t.Fatalf("remove: %+v", res)
	}

	vectors, table, _ := m.Snapshot()
	if len(vectors) != 1 {
		t.Fatalf("store count=%d, want 1", len(vectors))
	}
	for i := range wantB {
		if vectors[0][i] != wantB[i] {
			t.Fatal("surviving vector must be b's, in original relative order")
		}
	}
	b := table.Documents["b.txt"]
	if b.VectorIDs.Start != 0 || b.VectorIDs.End != 1 {
		t.Errorf("b range: [%d, %d), want [0, 1)", b.VectorIDs.Start, b.VectorIDs.End)
	}
	if b.ChunkCount != 1 {
		t.Errorf("b chunk count changed: %d", b.ChunkCount)
	}
	if table.NextID != 1 {
		t.Errorf("NextID=%d", table.NextID)
	}
	if m.IsDocumentIndexed("a.txt") {
		t.Error("a.txt still indexed")
	}
	checkInvariants(t, m)
}

func TestRemoveDocument_MiddleDocumentRenumbering(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.AddDocument(ctx, "a", testChunks("a0", "a1"))       // [0, 2)
	m.AddDocument(ctx, "b", testChunks("b0", "b1", "b2")) // [2, 5)
	m.AddDocument(ctx, "c", testChunks("c0"))             // [5, 6)

	res := m.RemoveDocument(ctx, "b")
	if !res.Success || res.VectorsRemoved != 3 {
		t.Fatalf("remove: %+v", res)
	}

	_, table, _ := m.Snapshot()
	a := table.Documents["a"]
	c := table.Documents["c"]
	if a.VectorIDs.Start != 0 || a.VectorIDs.End != 2 {
		t.Errorf("a must be unchanged, got [%d, %d)", a.VectorIDs.Start, a.VectorIDs.End)
	}
	if c.VectorIDs.Start != 2 || c.VectorIDs.End != 3 {
		t.Errorf("c must shift down by 3, got [%d, %d)", c.VectorIDs.Start, c.VectorIDs.End)
	}
	checkInvariants(t, m)
}

func TestRemoveDocument_Missing(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.AddDocument(ctx, "a", testChunks("a0"))

	res := m.RemoveDocument(ctx, "missing.txt")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != ErrNotFound.Error() {
		t.Errorf("error: %q", res.Error)
	}
	if m.Count() != 1 {
		t.Error("state must be unchanged")
	}
	checkInvariants(t, m)
}

func TestRemoveDocument_DeletesChunkRows(t *testing.T) {
	dir := t.TempDir()
	chunks, err := storage.NewSQLiteStorage(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer chunks.Close()
	m, err := NewManager(filepath.Join(dir, "index"), testDim, chunks)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m.AddDocument(ctx, "a", testChunks("a0", "a1"))
	m.RemoveDocument(ctx, "a")

	n, _ := chunks.CountChunks(ctx)
	if n != 0 {
		t.Errorf("chunk rows remain: %d", n)
	}
}

func TestRebuildAll_DeterministicOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	docs := map[string][]*models.Chunk{
		"c.txt": testChunks("c0"),
		"a.txt": testChunks("a0", "a1"),
		"b.txt": testChunks("b0"),
	}
	res := m.RebuildAll(ctx, docs)
	if !res.Success || res.DocumentsIndexed != 3 || res.TotalVectors != 4 {
		t.Fatalf("rebuild: %+v", res)
	}

	_, table, _ := m.Snapshot()
	a := table.Documents["a.txt"]
	b := table.Documents["b.txt"]
	c := table.Documents["c.txt"]
	if a.VectorIDs.Start != 0 || a.VectorIDs.End != 2 {
		t.Errorf("a: [%d, %d)", a.VectorIDs.Start, a.VectorIDs.End)
	}
	if b.VectorIDs.Start != 2 || b.VectorIDs.End != 3 {
		t.Errorf("b: [%d, %d)", b.VectorIDs.Start, b.VectorIDs.End)
	}
	if c.VectorIDs.Start != 3 || c.VectorIDs.End != 4 {
		t.Errorf("c: [%d, %d)", c.VectorIDs.Start, c.VectorIDs.End)
	}
	checkInvariants(t, m)
}

func TestRebuildAll_Idempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	docs := map[string][]*models.Chunk{
		"x": testChunks("x0", "x1"),
		"y": testChunks("y0"),
	}
	first := m.RebuildAll(ctx, docs)
	_, table1, _ := m.Snapshot()
	second := m.RebuildAll(ctx, docs)
	_, table2, _ := m.Snapshot()

	if !first.Success || !second.Success {
		t.Fatalf("rebuilds: %+v, %+v", first, second)
	}
	if first.TotalVectors != second.TotalVectors {
		t.Errorf("vector counts differ: %d vs %d", first.TotalVectors, second.TotalVectors)
	}
	for id, e1 := range table1.Documents {
		e2, ok := table2.Documents[id]
		if !ok {
			t.Fatalf("document %s missing after second rebuild", id)
		}
		if e1.VectorIDs != e2.VectorIDs || e1.ChunkCount != e2.ChunkCount {
			t.Errorf("document %s differs: %+v vs %+v", id, e1, e2)
		}
	}
}

// A rebuild whose persist step fails must leave the previous state fully intact,
// including the chunk rows the restored mapping still points at.
func TestRebuildAll_FailedPersistRestoresChunkRows(t *testing.T) {
	dir := t.TempDir()
	chunks, err := storage.NewSQLiteStorage(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer chunks.Close()
	indexDir := filepath.Join(dir, "index")
	m, err := NewManager(indexDir, testDim, chunks)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if res := m.AddDocument(ctx, "old.txt", testChunks("kept chunk")); !res.Success {
		t.Fatalf("add: %+v", res)
	}

	// Make the index file path unwritable so persist's rename fails.
	indexPath := filepath.Join(indexDir, indexFileName)
	if err := os.Remove(indexPath); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(indexPath, 0755); err != nil {
		t.Fatal(err)
	}

	res := m.RebuildAll(ctx, map[string][]*models.Chunk{"new.txt": testChunks("replacement")})
	if res.Success {
		t.Fatal("rebuild must fail when the index file cannot be written")
	}
	if !m.IsDocumentIndexed("old.txt") {
		t.Error("previous document lost from restored mapping")
	}
	if m.IsDocumentIndexed("new.txt") {
		t.Error("failed rebuild left the new document indexed")
	}
	c, err := chunks.GetChunk(ctx, "old.txt", 0)
	if err != nil {
		t.Fatalf("chunk rows not restored: %v", err)
	}
	if c.Text != "kept chunk" {
		t.Errorf("restored chunk text = %q", c.Text)
	}
	checkInvariants(t, m)
}

func TestRebuildAll_Empty(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.AddDocument(ctx, "a", testChunks("a0"))

	res := m.RebuildAll(ctx, map[string][]*models.Chunk{})
	if !res.Success || res.TotalVectors != 0 || res.DocumentsIndexed != 0 {
		t.Fatalf("rebuild of empty set: %+v", res)
	}
	info := m.DocumentInfo()
	if info.TotalDocuments != 0 || info.TotalVectors != 0 {
		t.Errorf("info: %+v", info)
	}
	if m.Count() != 0 {
		t.Errorf("store count=%d", m.Count())
	}
}

func TestDuplicateAdd_OverwritesEntryAndOrphansVectors(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	m.AddDocument(ctx, "a", testChunks("old"))
	res := m.AddDocument(ctx, "a", testChunks("new", "newer"))
	if !res.Success {
		t.Fatalf("re-add: %+v", res)
	}

	_, table, _ := m.Snapshot()
	a := table.Documents["a"]
	if a.VectorIDs.Start != 1 || a.VectorIDs.End != 3 {
		t.Errorf("new entry range: [%d, %d)", a.VectorIDs.Start, a.VectorIDs.End)
	}
	// The old vector at ID 0 is orphaned: store holds 3 vectors, mapping covers 2.
	if m.Count() != 3 {
		t.Errorf("store count=%d", m.Count())
	}
	if table.NextID != 3 {
		t.Errorf("NextID=%d", table.NextID)
	}
}

func TestManager_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	chunks, err := storage.NewSQLiteStorage(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer chunks.Close()
	ctx := context.Background()

	m1, err := NewManager(filepath.Join(dir, "index"), testDim, chunks)
	if err != nil {
		t.Fatal(err)
	}
	m1.AddDocument(ctx, "a", testChunks("a0", "a1"))
	m1.AddDocument(ctx, "b", testChunks("b0"))

	// A second manager over the same directory sees the same state.
	m2, err := NewManager(filepath.Join(dir, "index"), testDim, chunks)
	if err != nil {
		t.Fatal(err)
	}
	if m2.Count() != 3 {
		t.Errorf("reloaded count=%d", m2.Count())
	}
	info := m2.DocumentInfo()
	if info.TotalDocuments != 2 || info.TotalVectors != 3 {
		t.Errorf("reloaded info: %+v", info)
	}
	checkInvariants(t, m2)
}

func TestNewManager_CorruptIndexFails(t *testing.T) {
	dir := t.TempDir()
	chunks, err := storage.NewSQLiteStorage(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer chunks.Close()

	indexDir := filepath.Join(dir, "index")
	if err := os.MkdirAll(indexDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(indexDir, "vectors.bin"), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(indexDir, testDim, chunks); err == nil {
		t.Fatal("expected corrupt index error")
	} else if !errors.Is(err, vectorstore.ErrCorruptIndex) {
		t.Errorf("got %v", err)
	}
}

func TestNewManager_CorruptMappingDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	chunks, err := storage.NewSQLiteStorage(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer chunks.Close()

	indexDir := filepath.Join(dir, "index")
	if err := os.MkdirAll(indexDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(indexDir, "document_mapping.json"), []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(indexDir, testDim, chunks)
	if err != nil {
		t.Fatal(err)
	}
	if m.DocumentInfo().TotalDocuments != 0 {
		t.Error("expected empty mapping")
	}
}

func TestInvariantsHoldAcrossMixedOperations(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("/docs/doc%d.txt", i)
		res := m.AddDocument(ctx, id, testChunks(fmt.Sprintf("c%d-0", i), fmt.Sprintf("c%d-1", i)))
		if !res.Success {
			t.Fatalf("add %s: %+v", id, res)
		}
		checkInvariants(t, m)
	}
	for _, id := range []string{"/docs/doc1.txt", "/docs/doc3.txt"} {
		if res := m.RemoveDocument(ctx, id); !res.Success {
			t.Fatalf("remove %s: %+v", id, res)
		}
		checkInvariants(t, m)
	}
	if m.Count() != 6 {
		t.Errorf("count=%d, want 6", m.Count())
	}
}
