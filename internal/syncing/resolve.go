package syncing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rundownlab/rundown/internal/audit"
	"github.com/rundownlab/rundown/internal/posts"
)

// Strategy enumerates how a client may resolve a surfaced conflict.
type Strategy string

const (
	// StrategyKeepLocal resubmits the client payload as a forced write,
	// advancing the stored version past the conflicting one.
	StrategyKeepLocal Strategy = "keep_local"
	// StrategyUseServer discards the client copy and returns the
	// authoritative record for the client to re-pull.
	StrategyUseServer Strategy = "use_server"
	// StrategyMerge is accepted for interface compatibility but resolves as
	// use_server: the records carry no per-field timestamps, so a true
	// field-level last-write-wins cannot be computed. Documented in the API
	// contract.
	StrategyMerge Strategy = "merge"
)

// ErrInvalidStrategy indicates an unknown resolution strategy.
var ErrInvalidStrategy = errors.New("syncing: invalid resolution strategy")

// ParseStrategy validates a raw strategy value.
func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(value))) {
	case StrategyKeepLocal:
		return StrategyKeepLocal, nil
	case StrategyUseServer:
		return StrategyUseServer, nil
	case StrategyMerge:
		return StrategyMerge, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, value)
	}
}

// Resolution is one client decision for a previously surfaced conflict.
type Resolution struct {
	PostID   posts.PostID
	Strategy Strategy
	Source   posts.Source
	Data     RecordPayload
}

// Resolve applies the chosen strategy and clears the conflict flag for the
// resolving source.
func (c *Coordinator) Resolve(ctx context.Context, resolution Resolution) (posts.Post, error) {
	switch resolution.Strategy {
	case StrategyKeepLocal:
		return c.resolveKeepLocal(ctx, resolution)
	case StrategyUseServer, StrategyMerge:
		return c.resolveUseServer(ctx, resolution)
	default:
		return posts.Post{}, fmt.Errorf("%w: %q", ErrInvalidStrategy, resolution.Strategy)
	}
}

func (c *Coordinator) resolveKeepLocal(ctx context.Context, resolution Resolution) (posts.Post, error) {
	patch, err := resolution.Data.ToPatch()
	if err != nil {
		return posts.Post{}, err
	}

	before, err := c.store.GetByID(ctx, resolution.PostID)
	if err != nil {
		return posts.Post{}, err
	}

	// nil version skips the optimistic check: the forced write wins and still
	// increments the stored version.
	updated, err := c.store.Update(ctx, resolution.PostID, nil, patch, resolution.Source)
	if err != nil {
		return posts.Post{}, err
	}

	c.afterWrite(ctx, audit.ActionUpdate, EventPostChanged, resolution.Source, &before, &updated)
	return updated, nil
}

func (c *Coordinator) resolveUseServer(ctx context.Context, resolution Resolution) (posts.Post, error) {
	authoritative, err := c.store.GetByID(ctx, resolution.PostID)
	if err != nil {
		return posts.Post{}, err
	}
	c.upsertStatus(ctx, authoritative.PostID, resolution.Source, false, "")
	return authoritative, nil
}
