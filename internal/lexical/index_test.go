package lexical

import (
	"context"
	"testing"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Vad säger 2 kap. 1 § regeringsformen?")
	want := map[string]bool{"vad": true, "säger": true, "2": true, "kap": true, "1": true, "§": true, "regeringsformen": true}
	for _, tok := range tokens {
		if !want[tok] {
			t.Errorf("unexpected token %q", tok)
		}
	}
	if len(tokens) != len(want) {
		t.Errorf("expected %d tokens, got %d: %v", len(want), len(tokens), tokens)
	}
}

func TestTokenize_KeepsStatuteNumbers(t *testing.T) {
	tokens := Tokenize("enligt SFS 2018:218")
	found := false
	for _, tok := range tokens {
		if tok == "2018:218" {
			found = true
		}
	}
	if !found {
		t.Errorf("statute number should survive tokenization, got %v", tokens)
	}
}

func TestExpandCompounds(t *testing.T) {
	parts := ExpandCompounds("offentlighetsprincipen")
	if len(parts) < 3 {
		t.Fatalf("expected compound split, got %v", parts)
	}
	if parts[0] != "offentlighetsprincipen" {
		t.Errorf("surface form must come first, got %v", parts)
	}
	var sawHead, sawSuffix bool
	for _, p := range parts[1:] {
		if p == "offentlighet" {
			sawHead = true
		}
		if p == "principen" {
			sawSuffix = true
		}
	}
	if !sawHead || !sawSuffix {
		t.Errorf("expected head and suffix parts, got %v", parts)
	}

	// Short tokens never split.
	if got := ExpandCompounds("lag"); len(got) != 1 {
		t.Errorf("short token should not expand, got %v", got)
	}
}

func TestStem(t *testing.T) {
	cases := map[string]string{
		"lagarna":    "lag",
		"domstolen":  "domstol",
		"kap":        "kap", // too short to stem
		"samtycke":   "samtyck",
	}
	for in, want := range cases {
		if got := Stem(in); got != want {
			t.Errorf("Stem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIndex_SearchRoundTrip(t *testing.T) {
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	docs := []struct{ id, title, content string }{
		{"rf-2-1", "Regeringsformen 2 kap.", "Var och en är gentemot det allmänna tillförsäkrad yttrandefrihet enligt regeringsformen."},
		{"gdpr-7", "Dataskyddsförordningen art. 7", "Samtycke ska lämnas frivilligt och vara möjligt att återkalla."},
		{"osl-1", "Offentlighets- och sekretesslagen", "Offentlighetsprincipen innebär rätt att ta del av allmänna handlingar."},
	}
	for _, d := range docs {
		if err := idx.Add(ctx, d.id, d.title, d.content); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	hits, err := idx.Search(ctx, "yttrandefrihet regeringsformen", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].ID != "rf-2-1" {
		t.Errorf("expected rf-2-1 on top, got %s", hits[0].ID)
	}
	if hits[0].Score <= 0 {
		t.Errorf("expected positive normalized BM25 score, got %f", hits[0].Score)
	}

	// Compound expansion: a query using the decompounded head should still
	// reach the compound document.
	hits, err = idx.Search(ctx, "offentlighetsprincipen", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		t.Error("expected compound query to match")
	}
}

func TestIndex_EmptyQuery(t *testing.T) {
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer idx.Close()

	hits, err := idx.Search(context.Background(), "  !?  ", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hits != nil {
		t.Errorf("expected nil hits for empty query, got %v", hits)
	}
}
