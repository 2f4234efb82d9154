// Package index maintains durable session summaries and resolves agent
// session references to concrete sessions.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/converse-ai/converse/internal/event"
	"github.com/converse-ai/converse/internal/logging"
	"github.com/converse-ai/converse/internal/storage"
	"github.com/converse-ai/converse/pkg/types"
)

// ErrNotFound is returned when no session exists for an id.
var ErrNotFound = errors.New("session not found")

// ErrNoSession is returned by the latest strategy when the agent has no
// usable session.
var ErrNoSession = errors.New("no session for agent")

// ErrUnknownStrategy is returned for an unrecognized resolution strategy.
var ErrUnknownStrategy = errors.New("unknown resolution strategy")

// Index persists session summaries and resolves agent-scoped lookups.
// Events, when non-nil, receives a session.created record per new session.
type Index struct {
	store  *storage.Storage
	events *event.Store
	flight singleflight.Group
}

// New creates an Index over store. events may be nil.
func New(store *storage.Storage, events *event.Store) *Index {
	return &Index{store: store, events: events}
}

func sessionPath(id string) []string {
	return []string{"session", id}
}

// Get returns the summary for id.
func (ix *Index) Get(ctx context.Context, id string) (*types.SessionSummary, error) {
	var summary types.SessionSummary
	if err := ix.store.Get(ctx, sessionPath(id), &summary); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &summary, nil
}

// Put persists the summary, stamping the update time.
func (ix *Index) Put(ctx context.Context, summary *types.SessionSummary) error {
	summary.Time.Updated = time.Now().UnixMilli()
	if err := ix.store.Put(ctx, sessionPath(summary.ID), summary); err != nil {
		return fmt.Errorf("persist session %s: %w", summary.ID, err)
	}
	if ix.events != nil {
		ix.events.Append(event.Event{
			Type:      event.SessionUpdated,
			SessionID: summary.ID,
			Data:      summary.Clone(),
		})
	}
	return nil
}

// MarkDeleted tombstones a session. The summary stays in the index so the
// id keeps resolving to a deleted session rather than an unknown one.
func (ix *Index) MarkDeleted(ctx context.Context, id string) error {
	summary, err := ix.Get(ctx, id)
	if err != nil {
		return err
	}
	summary.Deleted = true
	return ix.Put(ctx, summary)
}

// LatestForAgent returns the agent's most recently created live session.
func (ix *Index) LatestForAgent(ctx context.Context, agentID string) (*types.SessionSummary, error) {
	var latest *types.SessionSummary
	err := ix.store.Scan(ctx, []string{"session"}, func(key string, data json.RawMessage) error {
		var summary types.SessionSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			logging.Warn().Str("key", key).Err(err).Msg("skipping unreadable session record")
			return nil
		}
		if summary.AgentID != agentID || summary.Deleted {
			return nil
		}
		if latest == nil || summary.Time.Created > latest.Time.Created {
			latest = &summary
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNoSession
	}
	return latest, nil
}

// Create makes a new session for the agent and persists it.
func (ix *Index) Create(ctx context.Context, agentID string) (*types.SessionSummary, error) {
	now := time.Now().UnixMilli()
	summary := &types.SessionSummary{
		ID:      ulid.Make().String(),
		AgentID: agentID,
		Time:    types.SessionTime{Created: now, Updated: now},
	}
	if err := ix.store.Put(ctx, sessionPath(summary.ID), summary); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", summary.ID, err)
	}
	if ix.events != nil {
		ix.events.Append(event.Event{
			Type:      event.SessionCreated,
			SessionID: summary.ID,
			Data:      summary.Clone(),
		})
	}
	logging.Info().Str("sessionID", summary.ID).Str("agentID", agentID).Msg("session created")
	return summary, nil
}

// ResolveAgentSession maps an agent reference to a concrete session using
// the given strategy. The returned bool reports whether a session was
// created by this call. Concurrent latest-or-create resolutions for the
// same agent share a single creation.
func (ix *Index) ResolveAgentSession(ctx context.Context, agentID, strategy string) (*types.SessionSummary, bool, error) {
	switch strategy {
	case types.ResolveLatest:
		summary, err := ix.LatestForAgent(ctx, agentID)
		if err != nil {
			return nil, false, err
		}
		return summary, false, nil

	case types.ResolveCreate:
		summary, err := ix.Create(ctx, agentID)
		if err != nil {
			return nil, false, err
		}
		return summary, true, nil

	case types.ResolveLatestOrCreate:
		type resolved struct {
			summary *types.SessionSummary
			created bool
		}
		v, err, _ := ix.flight.Do("resolve:"+agentID, func() (any, error) {
			if summary, err := ix.LatestForAgent(ctx, agentID); err == nil {
				return resolved{summary: summary}, nil
			} else if !errors.Is(err, ErrNoSession) {
				return nil, err
			}
			summary, err := ix.Create(ctx, agentID)
			if err != nil {
				return nil, err
			}
			return resolved{summary: summary, created: true}, nil
		})
		if err != nil {
			return nil, false, err
		}
		r := v.(resolved)
		return r.summary.Clone(), r.created, nil

	default:
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}
