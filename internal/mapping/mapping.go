// Package mapping provides the persisted document-to-vector-range table.
//
// The table associates each document ID (canonical file path) with the contiguous
// vector ID range its chunks occupy in the flat store, plus a global next-ID counter.
// The index manager is the only writer; the table on disk is a single JSON document
// replaced atomically on every save.
package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bunkodb/bunko/internal/vectorstore"
)

// DocumentEntry records where one document's vectors live and when it was indexed.
type DocumentEntry struct {
	VectorIDs   vectorstore.Range `json:"vector_ids"`
	ChunkCount  int               `json:"chunk_count"`
	IndexedAt   time.Time         `json:"indexed_at"`
	DisplayName string            `json:"display_name"`
}

// Table maps document IDs to their entries and tracks the next vector ID to assign.
type Table struct {
	Documents map[string]*DocumentEntry `json:"documents"`
	NextID    int                       `json:"next_id"`
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{Documents: make(map[string]*DocumentEntry)}
}

// Load reads the table from path. An absent or unparseable file yields an empty
// table and no error (soft fail); the caller may log the parse error returned as
// the second value.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewTable(), nil
		}
		return NewTable(), fmt.Errorf("read mapping file: %w", err)
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return NewTable(), fmt.Errorf("parse mapping file: %w", err)
	}
	if t.Documents == nil {
		t.Documents = make(map[string]*DocumentEntry)
	}
	return &t, nil
}

// Save writes the table to path atomically: the full JSON document is written to a
// temp file in the same directory, synced, and renamed over the target, so a crash
// mid-write can never leave a half-written file.
func Save(t *Table, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create mapping dir: %w", err)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp mapping file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write mapping: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync mapping: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close mapping: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace mapping file: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the table. Used by the manager to snapshot state for
// rollback and by the query view for consistent reads.
func (t *Table) Clone() *Table {
	out := &Table{
		Documents: make(map[string]*DocumentEntry, len(t.Documents)),
		NextID:    t.NextID,
	}
	for id, e := range t.Documents {
		copied := *e
		out.Documents[id] = &copied
	}
	return out
}

// RenumberAfterRemoval shifts surviving entries' ranges after the vectors in removed
// were dropped from the store. Because ranges are disjoint and contiguous, IDs below
// removed.Start are unchanged and IDs at or above removed.End move down by the
// removed count. NextID is decremented by the removed count.
func (t *Table) RenumberAfterRemoval(removed vectorstore.Range) {
	n := removed.Len()
	for _, e := range t.Documents {
		if e.VectorIDs.Start >= removed.End {
			e.VectorIDs.Start -= n
			e.VectorIDs.End -= n
		}
	}
	t.NextID -= n
}

// DocumentIDsSorted returns the document IDs in lexical order. Rebuilds iterate in
// this order so ID assignment is deterministic.
func (t *Table) DocumentIDsSorted() []string {
	ids := make([]string, 0, len(t.Documents))
	for id := range t.Documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OwnerOf returns the document ID and entry whose range contains the vector ID,
// or "" and nil if no entry covers it.
func (t *Table) OwnerOf(vectorID int) (string, *DocumentEntry) {
	for id, e := range t.Documents {
		if e.VectorIDs.Contains(vectorID) {
			return id, e
		}
	}
	return "", nil
}

// Validate checks the partition invariants: all ranges are well-formed and disjoint,
// and their union is exactly [0, NextID).
func (t *Table) Validate() error {
	total := 0
	type span struct {
		id string
		r  vectorstore.Range
	}
	spans := make([]span, 0, len(t.Documents))
	for id, e := range t.Documents {
		if e.VectorIDs.Start < 0 || e.VectorIDs.End < e.VectorIDs.Start {
			return fmt.Errorf("document %q has malformed range [%d, %d)", id, e.VectorIDs.Start, e.VectorIDs.End)
		}
		spans = append(spans, span{id: id, r: e.VectorIDs})
		total += e.VectorIDs.Len()
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].r.Start < spans[j].r.Start })
	next := 0
	for _, s := range spans {
		if s.r.Start != next {
			return fmt.Errorf("gap or overlap at vector %d (document %q starts at %d)", next, s.id, s.r.Start)
		}
		next = s.r.End
	}
	if next != t.NextID || total != t.NextID {
		return fmt.Errorf("ranges cover [0, %d) but next_id is %d", next, t.NextID)
	}
	return nil
}
