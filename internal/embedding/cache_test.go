package embedding

import (
	"context"
	"testing"
)

func TestCache_GetSetEvict(t *testing.T) {
	c := NewCache(2)
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss on empty cache")
	}
	c.Set("a", []float32{1, 2, 3})
	v, ok := c.Get("a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set("b", []float32{4, 5})
	c.Set("c", []float32{6}) // evicts a
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to remain")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to be present")
	}
	if c.Len() != 2 {
		t.Errorf("Len=%d", c.Len())
	}
}

func TestCache_SetUpdatesExisting(t *testing.T) {
	c := NewCache(2)
	c.Set("a", []float32{1})
	c.Set("a", []float32{2})
	v, ok := c.Get("a")
	if !ok || v[0] != 2 {
		t.Errorf("got %v, %v", v, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len=%d", c.Len())
	}
}

func TestMockEmbedder_Deterministic(t *testing.T) {
	e := NewMockEmbedder(8)
	defer e.Close()
	a1, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := e.Embed(context.Background(), "hello")
	b, _ := e.Embed(context.Background(), "different")
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("same text must embed identically")
		}
	}
	same := true
	for i := range a1 {
		if a1[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts should embed differently")
	}
	if e.Dimensions() != 8 || len(a1) != 8 {
		t.Errorf("dimension mismatch: %d, %d", e.Dimensions(), len(a1))
	}
}

func TestMockEmbedder_UnitNorm(t *testing.T) {
	e := NewMockEmbedder(16)
	emb, _ := e.Embed(context.Background(), "norm check")
	var sum float64
	for _, v := range emb {
		sum += float64(v) * float64(v)
	}
	if sum < 0.99 || sum > 1.01 {
		t.Errorf("squared norm = %f, want ~1", sum)
	}
}

func TestWordHashTokenizer(t *testing.T) {
	tok := &WordHashTokenizer{}
	inputIDs, attentionMask, tokenTypeIDs := tok.Tokenize("hello world", 8)
	if len(inputIDs) != 8 || len(attentionMask) != 8 || len(tokenTypeIDs) != 8 {
		t.Fatalf("lengths: %d %d %d", len(inputIDs), len(attentionMask), len(tokenTypeIDs))
	}
	if inputIDs[0] != clsTokenID {
		t.Errorf("first token should be CLS, got %d", inputIDs[0])
	}
	if attentionMask[0] != 1 || attentionMask[1] != 1 || attentionMask[2] != 1 {
		t.Errorf("attention mask: %v", attentionMask)
	}
	if inputIDs[3] != sepTokenID {
		t.Errorf("expected SEP after words, got %d", inputIDs[3])
	}
	if attentionMask[7] != 0 {
		t.Error("padding should be masked out")
	}
}

func TestHashString_NonNegative(t *testing.T) {
	for _, s := range []string{"", "a", "hello world", "\xff\xfe"} {
		if HashString(s) < 0 {
			t.Errorf("HashString(%q) negative", s)
		}
	}
}
