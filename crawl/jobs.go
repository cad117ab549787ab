// Package crawl binds scheduled job kinds to the hooks and storage that do
// the actual crawling. Jobs implements schedule.Dispatcher; every routine
// returns the follow-up job requests it discovered.
package crawl

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/hook"
	"github.com/teranos/lector/logger"
	"github.com/teranos/lector/pulse/async"
	"github.com/teranos/lector/pulse/schedule"
)

const (
	// TocRefreshAge is how old a toc may get before QueueTocs schedules it,
	// and the interval of the toc jobs it schedules
	TocRefreshAge = 24 * time.Hour
	// UserRefreshAge is how old an external user's lists may get
	UserRefreshAge = 24 * time.Hour
)

// Jobs runs job kinds against the hook registry and the crawl store
type Jobs struct {
	hooks  *hook.Registry
	store  Store
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewJobs(hooks *hook.Registry, store Store, log *zap.SugaredLogger) *Jobs {
	return &Jobs{
		hooks:  hooks,
		store:  store,
		logger: logger.AddCrawlSymbol(log.Named("crawl")),
		now:    time.Now,
	}
}

// Dispatch resolves the hook a kind needs and returns the routine for it.
// Kinds whose hook is disabled fail with ErrHookDisabled, kinds whose hook
// does not exist with ErrNotFound.
func (j *Jobs) Dispatch(kind schedule.JobKind) (async.Runnable, error) {
	switch k := kind.(type) {
	case schedule.NewsKind:
		set, err := j.hooks.Adapters(k.Hook)
		if err != nil {
			return nil, err
		}
		if set.News == nil {
			return nil, errors.NewInvalidRequestError("hook %q has no news adapter", k.Hook)
		}
		return routine(func(ctx context.Context) ([]schedule.JobRequest, error) {
			return j.news(ctx, set)
		}), nil

	case schedule.TocKind:
		return j.toc(k.Request)
	case schedule.OneTimeTocKind:
		return j.toc(k.Request)

	case schedule.SearchTocKind:
		set, err := j.hooks.Adapters(k.Hook)
		if err != nil {
			return nil, err
		}
		if set.TocSearch == nil {
			return nil, errors.NewInvalidRequestError("hook %q cannot search tocs", k.Hook)
		}
		return routine(func(ctx context.Context) ([]schedule.JobRequest, error) {
			return j.searchToc(ctx, set.TocSearch, k.Medium)
		}), nil

	case schedule.OneTimeUserKind:
		entry, err := j.hooks.UserListScraperFor(k.URL)
		if err != nil {
			return nil, err
		}
		return routine(func(ctx context.Context) ([]schedule.JobRequest, error) {
			return j.oneTimeUser(ctx, entry, k)
		}), nil

	case schedule.CheckTocsKind:
		return routine(j.checkTocs), nil
	case schedule.QueueTocsKind:
		return routine(j.queueTocs), nil
	case schedule.RemapMediaPartsKind:
		return routine(j.remapMediaParts), nil
	case schedule.QueueExternalUserKind:
		return routine(j.queueExternalUsers), nil
	}
	return nil, errors.NewInvalidRequestError("no routine for job type %s", kind.Type())
}

// routine adapts a follow-up producing function to async.Runnable
func routine(fn func(ctx context.Context) ([]schedule.JobRequest, error)) async.Func {
	return func(ctx context.Context) (any, error) {
		reqs, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return reqs, nil
	}
}

func (j *Jobs) news(ctx context.Context, set hook.AdapterSet) ([]schedule.JobRequest, error) {
	items, err := set.News.News(ctx)
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "news adapter failed"), "Hook: %s", set.Name)
	}
	saved, err := j.store.SaveNews(ctx, set.Name, items)
	if err != nil {
		return nil, err
	}

	var reqs []schedule.JobRequest
	seen := make(map[string]bool)
	for _, item := range items {
		if item.TocLink == "" || seen[item.TocLink] {
			continue
		}
		seen[item.TocLink] = true
		reqs = append(reqs, schedule.OneTimeTocJob(schedule.TocRequest{URL: item.TocLink}))
	}

	logger.WithContext(j.logger, ctx).Debugw("News scraped",
		logger.FieldHook, set.Name, logger.FieldCount, len(items), "saved", saved, "tocs", len(reqs))
	return reqs, nil
}

func (j *Jobs) toc(req schedule.TocRequest) (async.Runnable, error) {
	entry, err := j.hooks.TocScraperFor(req.URL)
	if err != nil {
		return nil, err
	}
	return routine(func(ctx context.Context) ([]schedule.JobRequest, error) {
		tocs, err := entry.Scraper.Toc(ctx, req.URL)
		if err != nil {
			return nil, errors.WithDetailf(errors.Wrap(err, "toc scraper failed"), "Hook: %s, Link: %s", entry.Hook, req.URL)
		}

		now := j.now()
		var changed int64
		for _, toc := range tocs {
			if toc.Link == "" {
				toc.Link = req.URL
			}
			n, err := j.store.SaveToc(ctx, req.MediumID, toc, now)
			if err != nil {
				return nil, err
			}
			changed += n
		}

		logger.WithContext(j.logger, ctx).Debugw("Toc scraped",
			logger.FieldHook, entry.Hook, logger.FieldURL, req.URL, logger.FieldCount, len(tocs), "changed", changed)
		return nil, nil
	}), nil
}

func (j *Jobs) searchToc(ctx context.Context, searcher hook.TocSearcher, medium schedule.TocSearchMedium) ([]schedule.JobRequest, error) {
	link, err := searcher.SearchToc(ctx, hook.SearchQuery{
		Title:    medium.Title,
		Medium:   medium.Medium,
		Synonyms: medium.Synonyms,
	})
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "toc search failed"), "Medium: %d", medium.MediumID)
	}
	if link == "" {
		return nil, nil
	}
	return []schedule.JobRequest{
		schedule.OneTimeTocJob(schedule.TocRequest{URL: link, MediumID: medium.MediumID}),
	}, nil
}

func (j *Jobs) oneTimeUser(ctx context.Context, entry hook.ListEntry, k schedule.OneTimeUserKind) ([]schedule.JobRequest, error) {
	lists, err := entry.Scraper.Lists(ctx, k.URL)
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "list scraper failed"), "Hook: %s, User: %s", entry.Hook, k.UUID)
	}
	if _, err := j.store.SaveUserLists(ctx, ExternalUser{UUID: k.UUID, URL: k.URL}, lists, j.now()); err != nil {
		return nil, err
	}

	var reqs []schedule.JobRequest
	seen := make(map[string]bool)
	for _, list := range lists.Lists {
		for _, link := range list.TocLinks {
			if seen[link] {
				continue
			}
			seen[link] = true
			reqs = append(reqs, schedule.OneTimeTocJob(schedule.TocRequest{URL: link}))
		}
	}
	return reqs, nil
}

// checkTocs asks every discovery hook for the toc of every medium that has none
func (j *Jobs) checkTocs(ctx context.Context) ([]schedule.JobRequest, error) {
	media, err := j.store.MediaWithoutTocs(ctx)
	if err != nil {
		return nil, err
	}
	discovery := j.hooks.TocDiscoveryEntries()

	var reqs []schedule.JobRequest
	for _, m := range media {
		for _, entry := range discovery {
			reqs = append(reqs, schedule.SearchTocJob(entry.Hook, schedule.TocSearchMedium{
				MediumID: m.ID,
				Title:    m.Title,
				Medium:   m.Medium,
			}))
		}
	}
	return reqs, nil
}

// queueTocs schedules a recurring toc job for every stale toc
func (j *Jobs) queueTocs(ctx context.Context) ([]schedule.JobRequest, error) {
	tocs, err := j.store.StaleTocs(ctx, j.now().Add(-TocRefreshAge))
	if err != nil {
		return nil, err
	}
	reqs := make([]schedule.JobRequest, 0, len(tocs))
	for _, toc := range tocs {
		reqs = append(reqs, schedule.TocJob(schedule.TocRequest{URL: toc.Link, MediumID: toc.MediumID}, TocRefreshAge))
	}
	return reqs, nil
}

func (j *Jobs) remapMediaParts(ctx context.Context) ([]schedule.JobRequest, error) {
	n, err := j.store.RemapMediaParts(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		logger.WithContext(j.logger, ctx).Infow("Remapped episodes to media parts", logger.FieldCount, n)
	}
	return nil, nil
}

func (j *Jobs) queueExternalUsers(ctx context.Context) ([]schedule.JobRequest, error) {
	users, err := j.store.StaleExternalUsers(ctx, j.now().Add(-UserRefreshAge))
	if err != nil {
		return nil, err
	}
	reqs := make([]schedule.JobRequest, 0, len(users))
	for _, u := range users {
		reqs = append(reqs, schedule.OneTimeUserJob(u.UUID, u.URL))
	}
	return reqs, nil
}
