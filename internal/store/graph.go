package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/user/contexthub/internal/cherr"
	"github.com/user/contexthub/internal/types"
)

// GraphStore holds typed nodes and typed relationships, scoped by team.
//
// Node identity is (team, platform, external_id). Concurrent writers on
// different keys proceed independently; writers on the same key are
// serialized by an optimistic check on updated_at with retry-on-conflict.
// Merges are last-writer-wins by source timestamp, not arrival time, so
// out-of-order webhook delivery converges on the newest version.
type GraphStore struct {
	db *sql.DB
}

func NewGraphStore(db *sql.DB) *GraphStore {
	return &GraphStore{db: db}
}

const upsertConflictRetries = 3

// UpsertNode inserts the node or merges it into the existing row for
// its identity key, returning the row's node ID. Incoming non-empty
// fields overwrite stored ones only if the incoming updated_at is not
// older than the stored one; a stale write leaves the row untouched.
func (s *GraphStore) UpsertNode(ctx context.Context, node *types.ContextNode) (types.NodeID, error) {
	if node.TeamID == "" || node.Platform == "" || node.ExternalID == "" {
		return "", cherr.Validationf("node missing identity: team=%q platform=%q external_id=%q",
			node.TeamID, node.Platform, node.ExternalID)
	}

	var lastErr error
	for attempt := 0; attempt < upsertConflictRetries; attempt++ {
		id, err := s.tryUpsertNode(ctx, node)
		if err == nil {
			return id, nil
		}
		var conflict *cherr.GraphConflictError
		if !asConflict(err, &conflict) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func asConflict(err error, target **cherr.GraphConflictError) bool {
	c, ok := err.(*cherr.GraphConflictError)
	if ok {
		*target = c
	}
	return ok
}

func (s *GraphStore) tryUpsertNode(ctx context.Context, node *types.ContextNode) (types.NodeID, error) {
	var (
		id        string
		updatedAt int64
		metaJSON  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, updated_at, metadata_json FROM context_nodes
		 WHERE team_id = ? AND platform = ? AND external_id = ?`,
		string(node.TeamID), string(node.Platform), node.ExternalID,
	).Scan(&id, &updatedAt, &metaJSON)

	if err == sql.ErrNoRows {
		return s.insertNode(ctx, node)
	}
	if err != nil {
		return "", fmt.Errorf("look up node: %w", err)
	}

	// Stale write: an already-applied newer version wins.
	if node.UpdatedAt.Unix() < updatedAt {
		return types.NodeID(id), nil
	}

	merged := mergeMetadata(metaJSON, node.Metadata)
	res, err := s.db.ExecContext(ctx, `
		UPDATE context_nodes SET
		  type = CASE WHEN ? != '' THEN ? ELSE type END,
		  title = CASE WHEN ? != '' THEN ? ELSE title END,
		  content = CASE WHEN ? != '' THEN ? ELSE content END,
		  url = CASE WHEN ? != '' THEN ? ELSE url END,
		  author = CASE WHEN ? != '' THEN ? ELSE author END,
		  updated_at = ?,
		  metadata_json = ?
		WHERE id = ? AND updated_at = ?`,
		string(node.Type), string(node.Type),
		node.Title, node.Title,
		node.Content, node.Content,
		node.URL, node.URL,
		node.Author, node.Author,
		node.UpdatedAt.Unix(), merged,
		id, updatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("update node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("update node: %w", err)
	}
	if n == 0 {
		// Another writer advanced updated_at between read and write.
		return "", &cherr.GraphConflictError{Platform: string(node.Platform), ExternalID: node.ExternalID}
	}
	return types.NodeID(id), nil
}

func (s *GraphStore) insertNode(ctx context.Context, node *types.ContextNode) (types.NodeID, error) {
	id := node.ID
	if id == "" {
		id = types.NewNodeID()
	}
	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = node.UpdatedAt
	}
	meta, err := json.Marshal(orEmpty(node.Metadata))
	if err != nil {
		return "", fmt.Errorf("marshal node metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_nodes
		  (id, team_id, platform, external_id, type, title, content, url, author, created_at, updated_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), string(node.TeamID), string(node.Platform), node.ExternalID,
		string(node.Type), node.Title, node.Content, node.URL, node.Author,
		createdAt.Unix(), node.UpdatedAt.Unix(), string(meta),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			// Lost an insert race; retry as an update.
			return "", &cherr.GraphConflictError{Platform: string(node.Platform), ExternalID: node.ExternalID}
		}
		return "", fmt.Errorf("insert node: %w", err)
	}
	return id, nil
}

// UpsertRelation inserts the edge or, on repeat observation of the same
// (source, target, type), accumulates weight by summation and merges
// metadata. Repeated co-occurrence is a signal, not a value to replace.
func (s *GraphStore) UpsertRelation(ctx context.Context, rel *types.ContextRelation) error {
	if rel.SourceID == "" || rel.TargetID == "" || rel.Type == "" {
		return cherr.Validationf("relation missing identity")
	}
	weight := rel.Weight
	if weight == 0 {
		weight = 1.0
	}

	var existingMeta string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata_json FROM context_relations WHERE source_id = ? AND target_id = ? AND type = ?`,
		string(rel.SourceID), string(rel.TargetID), string(rel.Type),
	).Scan(&existingMeta)

	switch {
	case err == sql.ErrNoRows:
		meta, merr := json.Marshal(orEmpty(rel.Metadata))
		if merr != nil {
			return fmt.Errorf("marshal relation metadata: %w", merr)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO context_relations (source_id, target_id, type, weight, metadata_json)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_id, target_id, type) DO UPDATE SET
			  weight = weight + excluded.weight`,
			string(rel.SourceID), string(rel.TargetID), string(rel.Type), weight, string(meta),
		)
	case err != nil:
		return fmt.Errorf("look up relation: %w", err)
	default:
		merged := mergeMetadata(existingMeta, rel.Metadata)
		_, err = s.db.ExecContext(ctx, `
			UPDATE context_relations SET weight = weight + ?, metadata_json = ?
			WHERE source_id = ? AND target_id = ? AND type = ?`,
			weight, merged, string(rel.SourceID), string(rel.TargetID), string(rel.Type),
		)
	}
	if err != nil {
		return fmt.Errorf("upsert relation: %w", err)
	}
	return nil
}

// GetNode returns the node for an identity key, or (nil, nil).
func (s *GraphStore) GetNode(ctx context.Context, teamID types.TeamID, platform types.Platform, externalID string) (*types.ContextNode, error) {
	return s.scanNode(s.db.QueryRowContext(ctx,
		selectNodeColumns+` WHERE team_id = ? AND platform = ? AND external_id = ?`,
		string(teamID), string(platform), externalID))
}

// NodeByID returns the node with the given row ID, or (nil, nil).
func (s *GraphStore) NodeByID(ctx context.Context, id types.NodeID) (*types.ContextNode, error) {
	return s.scanNode(s.db.QueryRowContext(ctx, selectNodeColumns+` WHERE id = ?`, string(id)))
}

const selectNodeColumns = `
	SELECT id, team_id, platform, external_id, type, title, content, url, author,
	       created_at, updated_at, metadata_json
	FROM context_nodes`

func (s *GraphStore) scanNode(row *sql.Row) (*types.ContextNode, error) {
	var (
		n                    types.ContextNode
		id, teamID, platform string
		nodeType             string
		createdAt, updatedAt int64
		metaJSON             string
	)
	err := row.Scan(&id, &teamID, &platform, &n.ExternalID, &nodeType,
		&n.Title, &n.Content, &n.URL, &n.Author, &createdAt, &updatedAt, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.ID = types.NodeID(id)
	n.TeamID = types.TeamID(teamID)
	n.Platform = types.Platform(platform)
	n.Type = types.NodeType(nodeType)
	n.CreatedAt = time.Unix(createdAt, 0).UTC()
	n.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if err := json.Unmarshal([]byte(metaJSON), &n.Metadata); err != nil {
		n.Metadata = nil
	}
	return &n, nil
}

// SetIndexInfo records the token estimate and search excerpt computed
// by the context-index pipeline.
func (s *GraphStore) SetIndexInfo(ctx context.Context, id types.NodeID, tokenEstimate int, excerpt string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE context_nodes SET token_estimate = ?, excerpt = ? WHERE id = ?`,
		tokenEstimate, excerpt, string(id),
	)
	if err != nil {
		return fmt.Errorf("set index info: %w", err)
	}
	return nil
}

// PurgeTeam removes a team's nodes; relations follow by cascade.
func (s *GraphStore) PurgeTeam(ctx context.Context, teamID types.TeamID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM context_nodes WHERE team_id = ?`, string(teamID))
	if err != nil {
		return fmt.Errorf("purge team: %w", err)
	}
	return nil
}

// Search scans the team's nodes for the query terms and returns scored
// results. Title matches outweigh content matches. Ordering is fully
// deterministic: score, then recency, then node ID.
func (s *GraphStore) Search(ctx context.Context, q types.SearchQuery) ([]types.SearchResult, error) {
	if q.TeamID == "" {
		return nil, cherr.Validationf("search requires a team scope")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"team_id = ?"}
	args := []any{string(q.TeamID)}
	if len(q.Platforms) > 0 {
		where = append(where, "platform IN ("+placeholders(len(q.Platforms))+")")
		for _, p := range q.Platforms {
			args = append(args, string(p))
		}
	}
	if len(q.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if q.After != nil {
		where = append(where, "updated_at >= ?")
		args = append(args, q.After.Unix())
	}
	if q.Before != nil {
		where = append(where, "updated_at <= ?")
		args = append(args, q.Before.Unix())
	}
	pattern := "%" + strings.ToLower(q.Query) + "%"
	if q.Query != "" {
		where = append(where, "(lower(title) LIKE ? OR lower(content) LIKE ?)")
		args = append(args, pattern, pattern)
	}

	query := `
		SELECT id, team_id, platform, external_id, type, title, content, url, author,
		       created_at, updated_at, metadata_json, excerpt
		FROM context_nodes WHERE ` + strings.Join(where, " AND ")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()

	term := strings.ToLower(q.Query)
	var results []types.SearchResult
	for rows.Next() {
		var (
			n                    types.ContextNode
			id, teamID, platform string
			nodeType             string
			createdAt, updatedAt int64
			metaJSON, excerpt    string
		)
		if err := rows.Scan(&id, &teamID, &platform, &n.ExternalID, &nodeType,
			&n.Title, &n.Content, &n.URL, &n.Author, &createdAt, &updatedAt, &metaJSON, &excerpt); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		n.ID = types.NodeID(id)
		n.TeamID = types.TeamID(teamID)
		n.Platform = types.Platform(platform)
		n.Type = types.NodeType(nodeType)
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		n.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		if err := json.Unmarshal([]byte(metaJSON), &n.Metadata); err != nil {
			n.Metadata = nil
		}
		node := n
		results = append(results, types.SearchResult{
			Node:    &node,
			Score:   scoreNode(&node, term),
			Excerpt: excerpt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Node.UpdatedAt.Equal(b.Node.UpdatedAt) {
			return a.Node.UpdatedAt.After(b.Node.UpdatedAt)
		}
		return a.Node.ID < b.Node.ID
	})

	if q.Offset >= len(results) {
		return []types.SearchResult{}, nil
	}
	results = results[q.Offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func scoreNode(n *types.ContextNode, term string) float64 {
	if term == "" {
		return 1.0
	}
	titleHits := strings.Count(strings.ToLower(n.Title), term)
	contentHits := strings.Count(strings.ToLower(n.Content), term)
	return float64(titleHits)*2.0 + float64(contentHits)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// mergeMetadata unions stored metadata with incoming keys, incoming
// winning on collision. Returns the merged JSON.
func mergeMetadata(storedJSON string, incoming map[string]string) string {
	merged := map[string]string{}
	_ = json.Unmarshal([]byte(storedJSON), &merged)
	for k, v := range incoming {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return storedJSON
	}
	return string(out)
}
