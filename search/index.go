// Package search maintains a local full-text index over confirmed messages
// so conversations can be searched without a round trip.
package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blugelabs/bluge"

	"chatsync/domain"
)

// Hit is one search result.
type Hit struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Content        string
}

// Index wraps a bluge writer. It satisfies the sink contract so the
// coordinator fanout feeds it alongside the cache.
type Index struct {
	log    *slog.Logger
	writer *bluge.Writer
}

// NewIndex opens a persistent index rooted at path. An empty path opens an
// in-memory index, which tests use.
func NewIndex(log *slog.Logger, path string) (*Index, error) {
	var cfg bluge.Config
	if path == "" {
		cfg = bluge.InMemoryOnlyConfig()
	} else {
		cfg = bluge.DefaultConfig(path)
	}
	writer, err := bluge.OpenWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	return &Index{log: log, writer: writer}, nil
}

func (i *Index) Close() error {
	return i.writer.Close()
}

// Consume indexes a confirmed message. Optimistic entries are skipped, and
// re-indexing the same id is an update, so replays are harmless.
func (i *Index) Consume(_ context.Context, m domain.Message) error {
	if m.IsOptimistic() || m.Type != domain.MessageText {
		return nil
	}
	doc := bluge.NewDocument(m.ID).
		AddField(bluge.NewTextField("content", m.Content).StoreValue()).
		AddField(bluge.NewKeywordField("conversation", m.ConversationID).StoreValue()).
		AddField(bluge.NewKeywordField("sender", m.SenderID).StoreValue())
	return i.writer.Update(doc.ID(), doc)
}

// Search runs a match query over message contents, optionally scoped to one
// conversation.
func (i *Index) Search(ctx context.Context, query, conversationID string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	var q bluge.Query
	match := bluge.NewMatchQuery(query).SetField("content")
	if conversationID != "" {
		q = bluge.NewBooleanQuery().
			AddMust(match).
			AddMust(bluge.NewTermQuery(conversationID).SetField("conversation"))
	} else {
		q = match
	}

	reader, err := i.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("search reader: %w", err)
	}
	defer reader.Close()

	it, err := reader.Search(ctx, bluge.NewTopNSearch(limit, q))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var hits []Hit
	for next, err := it.Next(); next != nil; next, err = it.Next() {
		if err != nil {
			return nil, err
		}
		var h Hit
		visitErr := next.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case "_id":
				h.MessageID = string(value)
			case "content":
				h.Content = string(value)
			case "conversation":
				h.ConversationID = string(value)
			case "sender":
				h.SenderID = string(value)
			}
			return true
		})
		if visitErr != nil {
			i.log.Warn("Skipping search hit with unreadable fields", "error", visitErr)
			continue
		}
		hits = append(hits, h)
	}
	return hits, nil
}
