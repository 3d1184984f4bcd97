// Package directory is the read path for coordinator accounts: given a
// hierarchy level and a location scope, it returns the single active account
// assigned to that exact slot.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/metrics"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/hierarchy"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/models"
)

var (
	// ErrNotFound means no active account fills the requested slot. For
	// Ward/LGA/State this is a normal runtime condition the resolver handles
	// by escalating; for National and FixedPersona it is an operational
	// misconfiguration.
	ErrNotFound = errors.New("COORDINATOR_NOT_FOUND")

	// ErrAccountNotFound means a reassignment referenced an unknown account.
	ErrAccountNotFound = errors.New("ACCOUNT_NOT_FOUND")
)

// cachedMiss is the sentinel stored for negative lookups so repeated probes
// of an unfilled slot don't hammer the database during the TTL window.
const cachedMiss = "__miss__"

// Directory resolves a level+scope slot to its active account.
type Directory interface {
	Lookup(ctx context.Context, level hierarchy.Level, scope hierarchy.LocationScope) (*models.Account, error)
}

// PostgresDirectory reads coordinator assignments from the accounts table,
// fronted by a short-TTL cache keyed by (level, scope).
type PostgresDirectory struct {
	db     *sql.DB
	cache  Cache
	ttl    time.Duration
	logger logger.Logger
}

func NewPostgresDirectory(db *sql.DB, cache Cache, ttl time.Duration, log logger.Logger) *PostgresDirectory {
	if cache == nil {
		cache = NewNoopCache()
	}
	return &PostgresDirectory{
		db:     db,
		cache:  cache,
		ttl:    ttl,
		logger: log.WithFields(map[string]interface{}{"component": "directory"}),
	}
}

func cacheKey(level hierarchy.Level, scope hierarchy.LocationScope) string {
	return "dir:" + string(level) + ":" + scope.Key()
}

// Lookup returns the active account for the exact (level, scope) slot. The
// caller is expected to pass a scope already projected for the level; the
// query matches on exactly the fields meaningful to it. When multiple active
// accounts fill the same slot the most recently activated one wins and a
// consistency warning is logged.
func (d *PostgresDirectory) Lookup(ctx context.Context, level hierarchy.Level, scope hierarchy.LocationScope) (*models.Account, error) {
	key := cacheKey(level, scope)

	if val, err := d.cache.Get(ctx, key); err == nil {
		metrics.DirectoryCacheHits.Inc()
		if val == cachedMiss {
			return nil, ErrNotFound
		}
		var acct models.Account
		if err := json.Unmarshal([]byte(val), &acct); err == nil {
			return &acct, nil
		}
		// fall through to storage on a corrupt entry
	}
	metrics.DirectoryCacheMisses.Inc()

	acct, err := d.lookupStorage(ctx, level, scope)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if cacheErr := d.cache.Set(ctx, key, cachedMiss, d.ttl); cacheErr != nil {
				d.logger.Debug("cache set failed", map[string]interface{}{"key": key, "error": cacheErr.Error()})
			}
		}
		return nil, err
	}

	if data, marshalErr := json.Marshal(acct); marshalErr == nil {
		if cacheErr := d.cache.Set(ctx, key, string(data), d.ttl); cacheErr != nil {
			d.logger.Debug("cache set failed", map[string]interface{}{"key": key, "error": cacheErr.Error()})
		}
	}

	return acct, nil
}

func (d *PostgresDirectory) lookupStorage(ctx context.Context, level hierarchy.Level, scope hierarchy.LocationScope) (*models.Account, error) {
	query := `
		SELECT id, full_name, email, phone, designation, state, lga, ward, active, activated_at
		FROM accounts
		WHERE designation = $1 AND active = TRUE`
	args := []interface{}{string(level)}

	switch level {
	case hierarchy.LevelWard:
		query += ` AND state = $2 AND lga = $3 AND ward = $4`
		args = append(args, scope.State, scope.LGA, scope.Ward)
	case hierarchy.LevelLGA:
		query += ` AND state = $2 AND lga = $3`
		args = append(args, scope.State, scope.LGA)
	case hierarchy.LevelState:
		query += ` AND state = $2`
		args = append(args, scope.State)
	case hierarchy.LevelNational, hierarchy.LevelFixedPersona:
		// scope is ignored; there is exactly one configured slot
	default:
		return nil, fmt.Errorf("lookup for unrecognized level: %s", level)
	}

	query += ` ORDER BY activated_at DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("directory query: %w", err)
	}
	defer rows.Close()

	var matches []*models.Account
	for rows.Next() {
		var acct models.Account
		var email, phone, state, lga, ward sql.NullString
		if err := rows.Scan(
			&acct.ID, &acct.FullName, &email, &phone,
			&acct.Designation, &state, &lga, &ward,
			&acct.Active, &acct.ActivatedAt,
		); err != nil {
			return nil, fmt.Errorf("directory scan: %w", err)
		}
		acct.Email = email.String
		acct.Phone = phone.String
		acct.Scope = hierarchy.LocationScope{State: state.String, LGA: lga.String, Ward: ward.String}
		matches = append(matches, &acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory rows: %w", err)
	}

	if len(matches) == 0 {
		return nil, ErrNotFound
	}

	if len(matches) > 1 {
		// Data-integrity anomaly: two active accounts in one slot. Pick the
		// most recently activated (rows are ordered) so routing still makes
		// progress.
		d.logger.Warn("multiple active coordinators for one scope", map[string]interface{}{
			"level":    string(level),
			"scope":    scope.Key(),
			"count":    len(matches),
			"pickedId": matches[0].ID,
		})
	}

	return matches[0], nil
}

// Invalidate drops the cache entry for a (level, scope) slot so the next
// lookup hits storage. Called synchronously on admin reassignment; a freshly
// appointed coordinator must be reachable without waiting for TTL expiry.
func (d *PostgresDirectory) Invalidate(ctx context.Context, level hierarchy.Level, scope hierarchy.LocationScope) error {
	return d.cache.Del(ctx, cacheKey(level, scope))
}

// Reassign moves an account to a new designation and scope, then invalidates
// both the slot it vacated and the slot it now fills.
func (d *PostgresDirectory) Reassign(ctx context.Context, accountID string, level hierarchy.Level, scope hierarchy.LocationScope, active bool) error {
	var oldLevel hierarchy.Level
	var oldState, oldLGA, oldWard sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT designation, state, lga, ward FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&oldLevel, &oldState, &oldLGA, &oldWard)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("load account: %w", err)
	}

	_, err = d.db.ExecContext(ctx,
		`UPDATE accounts
		 SET designation = $2, state = $3, lga = $4, ward = $5, active = $6,
		     activated_at = CASE WHEN $6 THEN NOW() ELSE activated_at END
		 WHERE id = $1`,
		accountID, string(level), scope.State, scope.LGA, scope.Ward, active,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}

	oldScope := hierarchy.LocationScope{State: oldState.String, LGA: oldLGA.String, Ward: oldWard.String}
	if projected, ok := oldScope.Project(oldLevel); ok {
		if err := d.Invalidate(ctx, oldLevel, projected); err != nil {
			d.logger.Warn("cache invalidation failed for vacated slot", map[string]interface{}{
				"accountId": accountID, "error": err.Error(),
			})
		}
	}
	if projected, ok := scope.Project(level); ok {
		if err := d.Invalidate(ctx, level, projected); err != nil {
			d.logger.Warn("cache invalidation failed for new slot", map[string]interface{}{
				"accountId": accountID, "error": err.Error(),
			})
		}
	}

	d.logger.Info("coordinator reassigned", map[string]interface{}{
		"accountId": accountID,
		"level":     string(level),
		"scope":     scope.Key(),
		"active":    active,
	})
	return nil
}
