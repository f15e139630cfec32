// Package search keeps a full-text index of the conversation and answers
// message queries against it.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/pkg/log"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	opTimeout    = 5 * time.Second
)

var indexedTopics = []string{
	domain.TopicMessagesInsert,
	domain.TopicMessagesUpdate,
	domain.TopicMessagesDelete,
}

// Lister returns the full history in creation order.
type Lister interface {
	ListOrderedByCreation(ctx context.Context) ([]domain.Message, error)
}

// Result is one page of search hits, newest first.
type Result struct {
	Messages []domain.Message `json:"messages"`
	Total    int              `json:"total"`
	Offset   int              `json:"offset"`
	Limit    int              `json:"limit"`
}

// Indexer mirrors committed message changes into the search index and
// serves queries. One worker applies every change and backfill, so they never
// race each other on the index.
type Indexer struct {
	hub       *hub.Hub
	repo      Repository
	history   Lister
	sessionID string

	events   chan domain.Event
	backfill chan struct{}
	// deleted is owned by the worker. Ids are never reused, so a tombstone
	// keeps a late insert or update from reviving a deleted message.
	deleted map[int64]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIndexer(h *hub.Hub, repo Repository, history Lister, instanceID string) *Indexer {
	return &Indexer{
		hub:       h,
		repo:      repo,
		history:   history,
		sessionID: "search-" + instanceID,
		events:    make(chan domain.Event, 64),
		backfill:  make(chan struct{}, 1),
		deleted:   make(map[int64]struct{}),
	}
}

// Start subscribes to message changes and backfills the index from history.
// Only changes committed on this instance are indexed; relayed ones are
// indexed by the instance that committed them.
func (x *Indexer) Start(ctx context.Context) error {
	if err := x.repo.EnsureIndex(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	x.cancel = cancel

	subs := make([]*hub.Subscription, 0, len(indexedTopics))
	for _, topic := range indexedTopics {
		sub, err := x.hub.Subscribe(x.sessionID, topic)
		if err != nil {
			cancel()
			x.hub.DisconnectSession(x.sessionID)
			return fmt.Errorf("failed to subscribe to hub topic %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	// subscribed before the history is listed, so nothing falls in between
	x.requestBackfill()

	x.wg.Add(1 + len(subs))
	for _, sub := range subs {
		go x.forward(ctx, sub)
	}
	go x.run(ctx)

	l := log.L()
	l.Info().Str(log.FieldSessionID, x.sessionID).Msg("search indexer started")
	return nil
}

func (x *Indexer) Stop() {
	if x.cancel != nil {
		x.cancel()
	}
	x.hub.DisconnectSession(x.sessionID)
	x.wg.Wait()
}

// Search returns messages matching query. limit is clamped to [1, 100].
func (x *Indexer) Search(ctx context.Context, query string, offset, limit int) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.ErrEmptyQuery
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	messages, total, err := x.repo.Search(ctx, query, offset, limit)
	if err != nil {
		return nil, err
	}
	return &Result{Messages: messages, Total: total, Offset: offset, Limit: limit}, nil
}

func (x *Indexer) requestBackfill() {
	select {
	case x.backfill <- struct{}{}:
	default:
	}
}

// forward hands one topic's locally committed events to the worker.
func (x *Indexer) forward(ctx context.Context, sub *hub.Subscription) {
	defer x.wg.Done()
	l := log.L().With().Str(log.FieldTopic, sub.Topic).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				next, err := x.hub.Subscribe(x.sessionID, sub.Topic)
				if err != nil {
					l.Error().Err(err).Msg("search indexer failed to resubscribe")
					return
				}
				l.Warn().Msg("search indexer resubscribed after eviction, backfilling")
				sub = next
				x.requestBackfill()
				continue
			}
			if ev.Origin != "" {
				continue
			}
			select {
			case x.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (x *Indexer) run(ctx context.Context) {
	defer x.wg.Done()
	l := log.L()

	for {
		select {
		case <-ctx.Done():
			return
		case <-x.backfill:
			x.reindex(ctx)
		case ev := <-x.events:
			if err := x.apply(ctx, ev); err != nil {
				l.Error().Err(err).Str(log.FieldTopic, ev.Topic).Uint64(log.FieldSeq, ev.Seq).Msg("failed to index event")
			}
		}
	}
}

func (x *Indexer) apply(ctx context.Context, ev domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	switch ev.Topic {
	case domain.TopicMessagesInsert, domain.TopicMessagesUpdate:
		var m domain.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return err
		}
		if _, ok := x.deleted[m.ID]; ok {
			return nil
		}
		return x.repo.Index(ctx, m)
	case domain.TopicMessagesDelete:
		var d domain.DeletedMessage
		if err := json.Unmarshal(ev.Payload, &d); err != nil {
			return err
		}
		x.deleted[d.ID] = struct{}{}
		return x.repo.Delete(ctx, d.ID)
	}
	return nil
}

// reindex writes every stored message into the index, then drops documents
// of messages that are no longer stored.
func (x *Indexer) reindex(ctx context.Context) {
	l := log.L()
	if x.history == nil {
		return
	}

	messages, err := x.history.ListOrderedByCreation(ctx)
	if err != nil {
		l.Error().Err(err).Msg("failed to load history for search backfill")
		return
	}
	keep := make([]int64, 0, len(messages))
	for _, m := range messages {
		if ctx.Err() != nil {
			return
		}
		if _, ok := x.deleted[m.ID]; ok {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := x.repo.Index(opCtx, m)
		cancel()
		if err != nil {
			l.Error().Err(err).Int64(log.FieldMessageID, m.ID).Msg("failed to backfill message")
			return
		}
		keep = append(keep, m.ID)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	err = x.repo.Prune(opCtx, keep)
	cancel()
	if err != nil {
		l.Error().Err(err).Msg("failed to prune search index")
		return
	}
	l.Info().Int("messages", len(keep)).Msg("search backfill complete")
}
