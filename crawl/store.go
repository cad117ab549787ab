package crawl

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/hook"
	"github.com/teranos/lector/pulse/async"
)

// Medium is a tracked work
type Medium struct {
	ID     int64
	Title  string
	Medium int
}

// MediumToc is a stored toc page
type MediumToc struct {
	ID        int64
	MediumID  int64
	Link      string
	UpdatedAt *time.Time
}

// ExternalUser is an account on an external list site
type ExternalUser struct {
	UUID       string
	Identifier string
	URL        string
	LastScrape *time.Time
}

// Store is the crawl bookkeeping the jobs read and write. Every write
// returns the number of rows it changed.
type Store interface {
	SaveNews(ctx context.Context, hookName string, items []hook.NewsItem) (int64, error)
	SaveToc(ctx context.Context, mediumID int64, toc hook.Toc, scrapedAt time.Time) (int64, error)
	SaveUserLists(ctx context.Context, user ExternalUser, lists hook.UserLists, scrapedAt time.Time) (int64, error)
	MediaWithoutTocs(ctx context.Context) ([]Medium, error)
	StaleTocs(ctx context.Context, before time.Time) ([]MediumToc, error)
	StaleExternalUsers(ctx context.Context, before time.Time) ([]ExternalUser, error)
	RemapMediaParts(ctx context.Context) (int64, error)
}

// SQLStore implements Store on the sqlite crawl tables
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// AddMedium inserts a medium and returns its id
func (s *SQLStore) AddMedium(ctx context.Context, title string, medium int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO media (title, medium) VALUES (?, ?)`, title, medium)
	if err != nil {
		return 0, errors.WithDetailf(errors.Wrap(err, "failed to insert medium"), "Title: %s", title)
	}
	return res.LastInsertId()
}

// AddExternalUser registers a user whose lists are imported periodically
func (s *SQLStore) AddExternalUser(ctx context.Context, user ExternalUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_users (uuid, identifier, url) VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET url = excluded.url`,
		user.UUID, user.Identifier, user.URL,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to insert external user"), "UUID: %s", user.UUID)
	}
	return nil
}

func (s *SQLStore) SaveNews(ctx context.Context, hookName string, items []hook.NewsItem) (int64, error) {
	var total int64
	err := s.inTx(ctx, "news", func(tx *sql.Tx) error {
		for _, item := range items {
			var published interface{}
			if !item.Date.IsZero() {
				published = item.Date.UTC()
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO news (hook, title, link, published_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(link) DO NOTHING`,
				hookName, item.Title, item.Link, published,
			)
			if err != nil {
				return errors.WithDetailf(errors.Wrap(err, "failed to insert news"), "Link: %s", item.Link)
			}
			total += affected(ctx, res)
		}
		return nil
	})
	return total, err
}

// SaveToc upserts the toc page, then its parts (when the toc belongs to a
// medium) and episodes.
func (s *SQLStore) SaveToc(ctx context.Context, mediumID int64, toc hook.Toc, scrapedAt time.Time) (int64, error) {
	var medium interface{}
	if mediumID > 0 {
		medium = mediumID
	}

	var total int64
	err := s.inTx(ctx, "toc", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO media_tocs (medium_id, link, title, episodes, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(link) DO UPDATE SET
				medium_id = COALESCE(excluded.medium_id, media_tocs.medium_id),
				title = excluded.title,
				episodes = excluded.episodes,
				updated_at = excluded.updated_at`,
			medium, toc.Link, toc.Title, len(toc.Episodes), scrapedAt.UTC(),
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to upsert toc"), "Link: %s", toc.Link)
		}
		total += affected(ctx, res)

		var tocID int64
		var storedMedium sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT id, medium_id FROM media_tocs WHERE link = ?`, toc.Link).Scan(&tocID, &storedMedium); err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to reload toc"), "Link: %s", toc.Link)
		}

		if storedMedium.Valid {
			for _, part := range toc.Parts {
				res, err := tx.ExecContext(ctx, `
					INSERT INTO media_parts (medium_id, part_index, title) VALUES (?, ?, ?)
					ON CONFLICT(medium_id, part_index) DO UPDATE SET title = excluded.title
					WHERE media_parts.title != excluded.title`,
					storedMedium.Int64, part.Index, part.Title,
				)
				if err != nil {
					return errors.WithDetailf(errors.Wrap(err, "failed to upsert part"), "Part: %d", part.Index)
				}
				total += affected(ctx, res)
			}
		}

		for _, ep := range toc.Episodes {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO episodes (toc_id, part_index, episode_index, title, link) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(toc_id, episode_index) DO UPDATE SET
					part_index = excluded.part_index, title = excluded.title, link = excluded.link
				WHERE episodes.title != excluded.title OR episodes.link != excluded.link
					OR episodes.part_index != excluded.part_index`,
				tocID, ep.PartIndex, ep.Index, ep.Title, ep.Link,
			)
			if err != nil {
				return errors.WithDetailf(errors.Wrap(err, "failed to upsert episode"), "Episode: %v", ep.Index)
			}
			total += affected(ctx, res)
		}
		return nil
	})
	return total, err
}

// SaveUserLists stores the user's lists, replacing the items of every list
// seen, and stamps the user as scraped.
func (s *SQLStore) SaveUserLists(ctx context.Context, user ExternalUser, lists hook.UserLists, scrapedAt time.Time) (int64, error) {
	var total int64
	err := s.inTx(ctx, "user lists", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO external_users (uuid, identifier, url, last_scrape) VALUES (?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET identifier = excluded.identifier, last_scrape = excluded.last_scrape`,
			user.UUID, lists.Identifier, user.URL, scrapedAt.UTC(),
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to upsert external user"), "UUID: %s", user.UUID)
		}
		total += affected(ctx, res)

		for _, list := range lists.Lists {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO external_lists (user_uuid, name, url) VALUES (?, ?, ?)
				ON CONFLICT(user_uuid, url) DO UPDATE SET name = excluded.name`,
				user.UUID, list.Name, list.URL,
			); err != nil {
				return errors.WithDetailf(errors.Wrap(err, "failed to upsert list"), "List: %s", list.URL)
			}

			var listID int64
			if err := tx.QueryRowContext(ctx,
				`SELECT id FROM external_lists WHERE user_uuid = ? AND url = ?`, user.UUID, list.URL,
			).Scan(&listID); err != nil {
				return errors.WithDetailf(errors.Wrap(err, "failed to reload list"), "List: %s", list.URL)
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM external_list_items WHERE list_id = ?`, listID); err != nil {
				return errors.Wrap(err, "failed to clear list items")
			}
			for _, link := range list.TocLinks {
				res, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO external_list_items (list_id, toc_link) VALUES (?, ?)`, listID, link)
				if err != nil {
					return errors.WithDetailf(errors.Wrap(err, "failed to insert list item"), "Link: %s", link)
				}
				total += affected(ctx, res)
			}
		}
		return nil
	})
	return total, err
}

func (s *SQLStore) MediaWithoutTocs(ctx context.Context) ([]Medium, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.title, m.medium FROM media m
		WHERE NOT EXISTS (SELECT 1 FROM media_tocs t WHERE t.medium_id = m.id)
		ORDER BY m.id`)
	async.Count(ctx, async.CounterQueryCount, 1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query media without tocs")
	}
	defer rows.Close()

	var media []Medium
	for rows.Next() {
		var m Medium
		if err := rows.Scan(&m.ID, &m.Title, &m.Medium); err != nil {
			return nil, errors.Wrap(err, "failed to scan medium")
		}
		media = append(media, m)
	}
	return media, errors.Wrap(rows.Err(), "failed to iterate media")
}

// StaleTocs returns tocs never scraped or last scraped before the cutoff
func (s *SQLStore) StaleTocs(ctx context.Context, before time.Time) ([]MediumToc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(medium_id, 0), link, updated_at FROM media_tocs
		WHERE updated_at IS NULL OR updated_at < ?
		ORDER BY id`, before.UTC())
	async.Count(ctx, async.CounterQueryCount, 1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stale tocs")
	}
	defer rows.Close()

	var tocs []MediumToc
	for rows.Next() {
		var toc MediumToc
		var updated sql.NullTime
		if err := rows.Scan(&toc.ID, &toc.MediumID, &toc.Link, &updated); err != nil {
			return nil, errors.Wrap(err, "failed to scan toc")
		}
		toc.UpdatedAt = nullTime(updated)
		tocs = append(tocs, toc)
	}
	return tocs, errors.Wrap(rows.Err(), "failed to iterate tocs")
}

// StaleExternalUsers returns users never scraped or last scraped before the cutoff
func (s *SQLStore) StaleExternalUsers(ctx context.Context, before time.Time) ([]ExternalUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, identifier, url, last_scrape FROM external_users
		WHERE last_scrape IS NULL OR last_scrape < ?
		ORDER BY uuid`, before.UTC())
	async.Count(ctx, async.CounterQueryCount, 1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query external users")
	}
	defer rows.Close()

	var users []ExternalUser
	for rows.Next() {
		var u ExternalUser
		var last sql.NullTime
		if err := rows.Scan(&u.UUID, &u.Identifier, &u.URL, &last); err != nil {
			return nil, errors.Wrap(err, "failed to scan external user")
		}
		u.LastScrape = nullTime(last)
		users = append(users, u)
	}
	return users, errors.Wrap(rows.Err(), "failed to iterate external users")
}

// RemapMediaParts points every episode at the part of its medium with the
// same part index.
func (s *SQLStore) RemapMediaParts(ctx context.Context) (int64, error) {
	const part = `
		SELECT mp.id FROM media_parts mp
		JOIN media_tocs mt ON mt.medium_id = mp.medium_id
		WHERE mt.id = episodes.toc_id AND mp.part_index = episodes.part_index`

	res, err := s.db.ExecContext(ctx, `UPDATE episodes SET part_id = (`+part+`) WHERE part_id IS NOT (`+part+`)`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to remap media parts")
	}
	return affected(ctx, res), nil
}

func (s *SQLStore) inTx(ctx context.Context, what string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit %s", what)
	}
	return nil
}

// affected counts the rows res changed as modifications of the running job
func affected(ctx context.Context, res sql.Result) int64 {
	async.Count(ctx, async.CounterQueryCount, 1)
	n, err := res.RowsAffected()
	if err != nil || n <= 0 {
		return 0
	}
	async.Count(ctx, async.CounterModifications, n)
	return n
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
