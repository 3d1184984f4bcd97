// Package resolver walks the fallback chain to find the actual recipient for
// a requested routing level.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/directory"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
)

var (
	// ErrNoRecipient means the whole fallback chain was exhausted without a
	// hit. Terminal: the caller must not persist anything.
	ErrNoRecipient = errors.New("RESOLUTION_FAILED")

	// ErrLookupFailed wraps technical directory failures, which are
	// retryable and distinct from an empty chain.
	ErrLookupFailed = errors.New("DIRECTORY_LOOKUP_FAILED")
)

// Resolution is a successful routing decision.
type Resolution struct {
	Account     *models.Account
	ActualLevel hierarchy.Level
}

// FallbackApplied reports whether the message escalated above the level the
// sender asked for.
func (r *Resolution) FallbackApplied(requested hierarchy.Level) bool {
	return r.ActualLevel != requested
}

// Resolver composes the directory with the static fallback policy.
type Resolver struct {
	dir    directory.Directory
	logger logger.Logger
}

func New(dir directory.Directory, log logger.Logger) *Resolver {
	return &Resolver{
		dir:    dir,
		logger: log.WithFields(map[string]interface{}{"component": "resolver"}),
	}
}

// Resolve probes each level of the fallback chain in order and returns the
// first available recipient. Levels whose scope cannot be projected from the
// sender's location (incomplete profile data) are skipped, not failed. The
// walk is fully deterministic for a fixed directory snapshot.
func (r *Resolver) Resolve(ctx context.Context, requested hierarchy.Level, senderScope hierarchy.LocationScope) (*Resolution, error) {
	chain := hierarchy.Chain(requested)
	if chain == nil {
		return nil, fmt.Errorf("no fallback chain for level %q", requested)
	}

	for _, level := range chain {
		projected, ok := senderScope.Project(level)
		if !ok {
			r.logger.Debug("sender location incomplete for level, skipping", map[string]interface{}{
				"level": string(level),
			})
			continue
		}

		acct, err := r.dir.Lookup(ctx, level, projected)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("%w: level %s: %v", ErrLookupFailed, level, err)
		}

		if level != requested {
			r.logger.Info("fallback applied", map[string]interface{}{
				"requestedLevel": string(requested),
				"actualLevel":    string(level),
				"recipientId":    acct.ID,
			})
		}
		return &Resolution{Account: acct, ActualLevel: level}, nil
	}

	return nil, ErrNoRecipient
}
