package mapping

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bunkodb/bunko/internal/vectorstore"
)

func sampleTable() *Table {
	t := NewTable()
	t.Documents["/docs/a.txt"] = &DocumentEntry{
		VectorIDs:   vectorstore.Range{Start: 0, End: 2},
		ChunkCount:  2,
		IndexedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		DisplayName: "a.txt",
	}
	t.Documents["/docs/b.txt"] = &DocumentEntry{
		VectorIDs:   vectorstore.Range{Start: 2, End: 5},
		ChunkCount:  3,
		IndexedAt:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		DisplayName: "b.txt",
	}
	t.NextID = 5
	return t
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document_mapping.json")
	table := sampleTable()
	if err := Save(table, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(table, loaded) {
		t.Errorf("round trip mismatch:\nsaved:  %+v\nloaded: %+v", table, loaded)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "document_mapping.json")
	if err := Save(sampleTable(), path); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "document_mapping.json" {
		t.Errorf("unexpected directory contents: %v", entries)
	}
}

func TestLoad_MissingFileReturnsEmpty(t *testing.T) {
	table, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Documents) != 0 || table.NextID != 0 {
		t.Errorf("expected empty table, got %+v", table)
	}
}

func TestLoad_CorruptFileSoftFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document_mapping.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	table, err := Load(path)
	if err == nil {
		t.Error("expected a parse error to be reported")
	}
	if table == nil || len(table.Documents) != 0 || table.NextID != 0 {
		t.Errorf("corrupt file must degrade to empty table, got %+v", table)
	}
}

func TestRenumberAfterRemoval(t *testing.T) {
	table := sampleTable()
	// Remove a.txt's range [0, 2): b.txt shifts down by 2.
	delete(table.Documents, "/docs/a.txt")
	table.RenumberAfterRemoval(vectorstore.Range{Start: 0, End: 2})
	b := table.Documents["/docs/b.txt"]
	if b.VectorIDs.Start != 0 || b.VectorIDs.End != 3 {
		t.Errorf("b range: got [%d, %d), want [0, 3)", b.VectorIDs.Start, b.VectorIDs.End)
	}
	if b.ChunkCount != 3 {
		t.Errorf("chunk count must be unchanged, got %d", b.ChunkCount)
	}
	if table.NextID != 3 {
		t.Errorf("NextID=%d, want 3", table.NextID)
	}
	if err := table.Validate(); err != nil {
		t.Errorf("invariant violated after renumber: %v", err)
	}
}

func TestRenumberAfterRemoval_KeepsLowerRanges(t *testing.T) {
	table := sampleTable()
	delete(table.Documents, "/docs/b.txt")
	table.RenumberAfterRemoval(vectorstore.Range{Start: 2, End: 5})
	a := table.Documents["/docs/a.txt"]
	if a.VectorIDs.Start != 0 || a.VectorIDs.End != 2 {
		t.Errorf("a range must be unchanged, got [%d, %d)", a.VectorIDs.Start, a.VectorIDs.End)
	}
	if table.NextID != 2 {
		t.Errorf("NextID=%d, want 2", table.NextID)
	}
}

func TestValidate(t *testing.T) {
	table := sampleTable()
	if err := table.Validate(); err != nil {
		t.Errorf("valid table rejected: %v", err)
	}
	table.Documents["/docs/b.txt"].VectorIDs.Start = 3
	if err := table.Validate(); err == nil {
		t.Error("gap not detected")
	}
	table.Documents["/docs/b.txt"].VectorIDs.Start = 1
	if err := table.Validate(); err == nil {
		t.Error("overlap not detected")
	}
}

func TestClone_IsDeep(t *testing.T) {
	table := sampleTable()
	clone := table.Clone()
	clone.Documents["/docs/a.txt"].ChunkCount = 99
	clone.NextID = 42
	if table.Documents["/docs/a.txt"].ChunkCount != 2 || table.NextID != 5 {
		t.Error("Clone must not share entries with the original")
	}
}

func TestOwnerOf(t *testing.T) {
	table := sampleTable()
	id, e := table.OwnerOf(3)
	if id != "/docs/b.txt" || e == nil {
		t.Errorf("OwnerOf(3)=%q", id)
	}
	if id, _ := table.OwnerOf(5); id != "" {
		t.Errorf("OwnerOf(5) should be empty, got %q", id)
	}
}
