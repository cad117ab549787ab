package hook

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/lector/errors"
)

// StateStore persists which hooks are enabled in the scraper_hooks table
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Sync inserts every hook that has no row yet, enabled. Existing rows keep
// their enabled flag; their domain is refreshed.
func (s *StateStore) Sync(ctx context.Context, sets []AdapterSet) error {
	if len(sets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, set := range sets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scraper_hooks (name, domain, enabled, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(name) DO UPDATE SET domain = excluded.domain`,
			set.Name, set.Domain, now,
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to sync hook"), "Hook: %s", set.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit hooks")
	}
	return nil
}

// States returns the stored enabled flag of every hook
func (s *StateStore) States(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled FROM scraper_hooks`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query hook states")
	}
	defer rows.Close()

	states := make(map[string]bool)
	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, errors.Wrap(err, "failed to scan hook state")
		}
		states[name] = enabled
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate hook states")
	}
	return states, nil
}

// SetEnabled updates one hook's flag
func (s *StateStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraper_hooks SET enabled = ?, updated_at = ? WHERE name = ?`,
		enabled, time.Now().UTC(), name,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to update hook"), "Hook: %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("hook %q not stored", name)
	}
	return nil
}
