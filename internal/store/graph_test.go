package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/contexthub/internal/types"
)

func testNode(externalID string, updatedAt time.Time) *types.ContextNode {
	return &types.ContextNode{
		TeamID:     "team-1",
		Platform:   "github",
		ExternalID: externalID,
		Type:       types.NodeIssue,
		Title:      "Fix login flow",
		Content:    "Login fails on refresh",
		CreatedAt:  updatedAt.Add(-time.Hour),
		UpdatedAt:  updatedAt,
	}
}

func TestUpsertNodeDeduplicates(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	id1, err := g.UpsertNode(ctx, testNode("acme/app#1", base))
	require.NoError(t, err)

	update := testNode("acme/app#1", base.Add(time.Minute))
	update.Title = "Fix login flow for SSO"
	id2, err := g.UpsertNode(ctx, update)
	require.NoError(t, err)
	require.Equal(t, id1, id2, "same identity key must map to the same node")

	node, err := g.GetNode(ctx, "team-1", "github", "acme/app#1")
	require.NoError(t, err)
	require.NotNil(t, node)
	require.Equal(t, "Fix login flow for SSO", node.Title)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM context_nodes").Scan(&count))
	require.Equal(t, 1, count)
}

func TestUpsertNodeStaleWriteIgnored(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	t1 := time.Now().UTC().Truncate(time.Second)
	t2 := t1.Add(time.Minute)

	// The newer version arrives first.
	newer := testNode("acme/app#7", t2)
	newer.Content = "newer content"
	id, err := g.UpsertNode(ctx, newer)
	require.NoError(t, err)

	older := testNode("acme/app#7", t1)
	older.Content = "older content"
	idAgain, err := g.UpsertNode(ctx, older)
	require.NoError(t, err)
	require.Equal(t, id, idAgain)

	node, err := g.GetNode(ctx, "team-1", "github", "acme/app#7")
	require.NoError(t, err)
	require.Equal(t, "newer content", node.Content)
	require.True(t, node.UpdatedAt.Equal(t2))
}

func TestUpsertNodeKeepsNonEmptyFields(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	full := testNode("acme/app#2", base)
	full.URL = "https://github.com/acme/app/issues/2"
	full.Author = "octocat"
	_, err := g.UpsertNode(ctx, full)
	require.NoError(t, err)

	// A later partial update must not blank out stored fields.
	partial := testNode("acme/app#2", base.Add(time.Minute))
	partial.Title = ""
	partial.URL = ""
	partial.Author = ""
	partial.Content = "updated body"
	_, err = g.UpsertNode(ctx, partial)
	require.NoError(t, err)

	node, err := g.GetNode(ctx, "team-1", "github", "acme/app#2")
	require.NoError(t, err)
	require.Equal(t, "Fix login flow", node.Title)
	require.Equal(t, "https://github.com/acme/app/issues/2", node.URL)
	require.Equal(t, "octocat", node.Author)
	require.Equal(t, "updated body", node.Content)
}

func TestUpsertNodeMergesMetadata(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	first := testNode("acme/app#3", base)
	first.Metadata = map[string]string{"labels": "bug", "milestone": "v1"}
	_, err := g.UpsertNode(ctx, first)
	require.NoError(t, err)

	second := testNode("acme/app#3", base.Add(time.Minute))
	second.Metadata = map[string]string{"labels": "bug,p0"}
	_, err = g.UpsertNode(ctx, second)
	require.NoError(t, err)

	node, err := g.GetNode(ctx, "team-1", "github", "acme/app#3")
	require.NoError(t, err)
	require.Equal(t, "bug,p0", node.Metadata["labels"], "incoming value wins on collision")
	require.Equal(t, "v1", node.Metadata["milestone"], "absent keys survive")
}

func TestUpsertNodeRequiresIdentity(t *testing.T) {
	g := NewGraphStore(newTestDB(t))
	_, err := g.UpsertNode(context.Background(), &types.ContextNode{Platform: "github"})
	require.Error(t, err)
}

func TestUpsertNodeTeamIsolation(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	a := testNode("acme/app#9", base)
	_, err := g.UpsertNode(ctx, a)
	require.NoError(t, err)

	b := testNode("acme/app#9", base)
	b.TeamID = "team-2"
	_, err = g.UpsertNode(ctx, b)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM context_nodes").Scan(&count))
	require.Equal(t, 2, count, "same external ID in two teams stays two nodes")
}

func TestUpsertRelationAccumulatesWeight(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	src, err := g.UpsertNode(ctx, testNode("acme/app#4", base))
	require.NoError(t, err)
	dst, err := g.UpsertNode(ctx, testNode("acme/app#5", base))
	require.NoError(t, err)

	rel := &types.ContextRelation{SourceID: src, TargetID: dst, Type: types.RelReferences, Weight: 1.0}
	require.NoError(t, g.UpsertRelation(ctx, rel))
	require.NoError(t, g.UpsertRelation(ctx, rel))
	require.NoError(t, g.UpsertRelation(ctx, &types.ContextRelation{
		SourceID: src, TargetID: dst, Type: types.RelReferences, Weight: 0.5,
	}))

	var weight float64
	require.NoError(t, db.QueryRow(
		"SELECT weight FROM context_relations WHERE source_id = ? AND target_id = ? AND type = ?",
		string(src), string(dst), string(types.RelReferences)).Scan(&weight))
	require.InDelta(t, 2.5, weight, 1e-9)

	// A different relation type is a separate edge.
	require.NoError(t, g.UpsertRelation(ctx, &types.ContextRelation{
		SourceID: src, TargetID: dst, Type: types.RelRepliesTo,
	}))
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM context_relations").Scan(&count))
	require.Equal(t, 2, count)
}

func TestPurgeTeamCascades(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	src, err := g.UpsertNode(ctx, testNode("acme/app#4", base))
	require.NoError(t, err)
	dst, err := g.UpsertNode(ctx, testNode("acme/app#5", base))
	require.NoError(t, err)
	require.NoError(t, g.UpsertRelation(ctx, &types.ContextRelation{
		SourceID: src, TargetID: dst, Type: types.RelReferences,
	}))

	other := testNode("acme/app#4", base)
	other.TeamID = "team-2"
	_, err = g.UpsertNode(ctx, other)
	require.NoError(t, err)

	require.NoError(t, g.PurgeTeam(ctx, "team-1"))

	var nodes, relations int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM context_nodes").Scan(&nodes))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM context_relations").Scan(&relations))
	require.Equal(t, 1, nodes, "other teams untouched")
	require.Equal(t, 0, relations, "relations follow nodes by cascade")
}

func TestSetIndexInfo(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	id, err := g.UpsertNode(ctx, testNode("acme/app#6", time.Now().UTC().Truncate(time.Second)))
	require.NoError(t, err)
	require.NoError(t, g.SetIndexInfo(ctx, id, 42, "Login fails on refresh"))

	var tokens int
	var excerpt string
	require.NoError(t, db.QueryRow(
		"SELECT token_estimate, excerpt FROM context_nodes WHERE id = ?", string(id)).Scan(&tokens, &excerpt))
	require.Equal(t, 42, tokens)
	require.Equal(t, "Login fails on refresh", excerpt)
}

func TestSearchScopedAndOrdered(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)

	titleHit := testNode("acme/app#10", base)
	titleHit.Title = "database migration plan"
	titleHit.Content = "no keyword here"
	_, err := g.UpsertNode(ctx, titleHit)
	require.NoError(t, err)

	contentHit := testNode("acme/app#11", base.Add(time.Minute))
	contentHit.Title = "weekly notes"
	contentHit.Content = "we discussed the database schema"
	_, err = g.UpsertNode(ctx, contentHit)
	require.NoError(t, err)

	miss := testNode("acme/app#12", base)
	miss.Title = "unrelated"
	miss.Content = "nothing relevant"
	_, err = g.UpsertNode(ctx, miss)
	require.NoError(t, err)

	otherTeam := testNode("acme/app#10", base)
	otherTeam.TeamID = "team-2"
	otherTeam.Title = "database migration plan"
	_, err = g.UpsertNode(ctx, otherTeam)
	require.NoError(t, err)

	results, err := g.Search(ctx, types.SearchQuery{TeamID: "team-1", Query: "database"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "acme/app#10", results[0].Node.ExternalID, "title match outranks content match")
	require.Equal(t, "acme/app#11", results[1].Node.ExternalID)
	for _, r := range results {
		require.Equal(t, types.TeamID("team-1"), r.Node.TeamID)
	}
}

func TestSearchFiltersAndPagination(t *testing.T) {
	db := newTestDB(t)
	g := NewGraphStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, ext := range []string{"a#1", "a#2", "a#3"} {
		n := testNode(ext, base.Add(time.Duration(i)*time.Minute))
		n.Title = "report"
		n.Content = "quarterly report"
		if ext == "a#3" {
			n.Platform = "slack"
			n.Type = types.NodeMessage
		}
		_, err := g.UpsertNode(ctx, n)
		require.NoError(t, err)
	}

	results, err := g.Search(ctx, types.SearchQuery{
		TeamID: "team-1", Query: "report", Platforms: []types.Platform{"github"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	page, err := g.Search(ctx, types.SearchQuery{
		TeamID: "team-1", Query: "report", Limit: 1, Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)

	past, err := g.Search(ctx, types.SearchQuery{TeamID: "team-1", Query: "report", Offset: 99})
	require.NoError(t, err)
	require.Empty(t, past)
}

func TestSearchRequiresTeam(t *testing.T) {
	g := NewGraphStore(newTestDB(t))
	_, err := g.Search(context.Background(), types.SearchQuery{Query: "x"})
	require.Error(t, err)
}

func TestNodeByIDAbsent(t *testing.T) {
	g := NewGraphStore(newTestDB(t))
	node, err := g.NodeByID(context.Background(), types.NodeID("missing"))
	require.NoError(t, err)
	require.Nil(t, node)
}
