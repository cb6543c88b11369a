package indexer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/user/contexthub/internal/store"
	"github.com/user/contexthub/internal/types"
)

func TestExcerpt(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short passes through", "hello world", 280, "hello world"},
		{"trims whitespace", "  hello  ", 280, "hello"},
		{"empty", "", 280, ""},
		{"cuts on word boundary", "alpha beta gamma delta", 12, "alpha beta…"},
		{"hard cut without spaces", strings.Repeat("x", 30), 10, strings.Repeat("x", 10) + "…"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Excerpt(tc.in, tc.limit); got != tc.want {
				t.Errorf("Excerpt(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
			}
		})
	}
}

func TestExcerptBounded(t *testing.T) {
	long := strings.Repeat("word ", 200)
	got := Excerpt(long, 280)
	if n := len([]rune(got)); n > 281 { // limit plus the ellipsis
		t.Errorf("excerpt length = %d runes, want <= 281", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated excerpt missing ellipsis: %q", got)
	}
}

func TestIndexNode(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	g := store.NewGraphStore(db)

	ix, err := New(g)
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	id, err := g.UpsertNode(ctx, &types.ContextNode{
		TeamID: "team-1", Platform: "github", ExternalID: "acme/app#1",
		Type: types.NodeIssue, Title: "Crash on startup",
		Content: "The app crashes when the config file is missing.",
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	if err := ix.IndexNode(ctx, id); err != nil {
		t.Fatalf("IndexNode: %v", err)
	}

	var tokens int
	var excerpt string
	if err := db.QueryRow("SELECT token_estimate, excerpt FROM context_nodes WHERE id = ?", string(id)).
		Scan(&tokens, &excerpt); err != nil {
		t.Fatalf("read index info: %v", err)
	}
	if tokens <= 0 {
		t.Errorf("token_estimate = %d, want positive", tokens)
	}
	if excerpt != "The app crashes when the config file is missing." {
		t.Errorf("excerpt = %q", excerpt)
	}

	// Absent nodes are skipped without error.
	if err := ix.IndexNode(ctx, types.NodeID("missing")); err != nil {
		t.Errorf("IndexNode(missing) = %v, want nil", err)
	}
}
