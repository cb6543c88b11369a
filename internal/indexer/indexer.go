// Package indexer is the context-index queue's processor: it computes
// a token estimate and a search excerpt for freshly upserted nodes.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/contexthub/internal/cherr"
	"github.com/user/contexthub/internal/jobs"
	"github.com/user/contexthub/internal/types"
)

// Job is the context-index queue payload.
type Job struct {
	NodeIDs []types.NodeID
}

const excerptLimit = 280

// Indexer annotates graph nodes with token estimates and excerpts.
type Indexer struct {
	graph     types.GraphStore
	tokenizer *tiktoken.Tiktoken
}

// New creates an indexer using the cl100k_base encoding.
func New(graph types.GraphStore) (*Indexer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	return &Indexer{graph: graph, tokenizer: enc}, nil
}

// Attach wires the indexer onto the orchestrator's context-index queue.
func (ix *Indexer) Attach(orch *jobs.Orchestrator) error {
	return orch.SetHandler(jobs.QueueContextIndex, ix.handleJob)
}

func (ix *Indexer) handleJob(ctx context.Context, job *jobs.Job) error {
	payload, ok := job.Payload.(*Job)
	if !ok {
		return cherr.Validationf("context-index job carries unexpected payload %T", job.Payload)
	}
	total := len(payload.NodeIDs)
	for i, id := range payload.NodeIDs {
		if err := ix.IndexNode(ctx, id); err != nil {
			return err
		}
		if total > 0 {
			job.SetProgress((i + 1) * 100 / total)
		}
	}
	return nil
}

// IndexNode computes and stores index info for one node. Nodes deleted
// between upsert and indexing are skipped.
func (ix *Indexer) IndexNode(ctx context.Context, id types.NodeID) error {
	node, err := ix.graph.NodeByID(ctx, id)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	text := node.Title
	if node.Content != "" {
		if text != "" {
			text += "\n"
		}
		text += node.Content
	}
	tokens := len(ix.tokenizer.Encode(text, nil, nil))
	return ix.graph.SetIndexInfo(ctx, id, tokens, Excerpt(node.Content, excerptLimit))
}

// Excerpt trims content to at most limit runes, cutting on a word
// boundary where possible.
func Excerpt(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := limit
	for i := limit; i > limit/2; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i - 1
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}
