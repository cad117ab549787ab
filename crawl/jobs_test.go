package crawl

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/hook"
	"github.com/teranos/lector/pulse/async"
	"github.com/teranos/lector/pulse/schedule"
)

type fakeSite struct {
	news     []hook.NewsItem
	tocs     map[string][]hook.Toc
	found    string
	lists    hook.UserLists
	searched []hook.SearchQuery
	err      error
}

func (f *fakeSite) News(context.Context) ([]hook.NewsItem, error) { return f.news, f.err }

func (f *fakeSite) Toc(_ context.Context, link string) ([]hook.Toc, error) {
	return f.tocs[link], f.err
}

func (f *fakeSite) SearchToc(_ context.Context, q hook.SearchQuery) (string, error) {
	f.searched = append(f.searched, q)
	return f.found, f.err
}

func (f *fakeSite) Lists(context.Context, string) (hook.UserLists, error) { return f.lists, f.err }

type fixture struct {
	jobs  *Jobs
	hooks *hook.Registry
	store *SQLStore
	site  *fakeSite
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	site := &fakeSite{tocs: make(map[string][]hook.Toc)}
	hooks := hook.NewRegistry(nil, zap.NewNop().Sugar())
	require.NoError(t, hooks.Register(hook.AdapterSet{
		Name:        "royalroad",
		Domain:      "royalroad.com",
		News:        site,
		Toc:         site,
		TocPattern:  regexp.MustCompile(`^https://www\.royalroad\.com/fiction/`),
		TocSearch:   site,
		UserLists:   site,
		ListPattern: regexp.MustCompile(`^https://www\.royalroad\.com/profile/`),
	}))

	store := newTestSQLStore(t)
	f := &fixture{
		jobs:  NewJobs(hooks, store, zap.NewNop().Sugar()),
		hooks: hooks,
		store: store,
		site:  site,
		now:   time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	f.jobs.now = func() time.Time { return f.now }
	return f
}

// run dispatches kind and runs it like the queue would, returning follow-ups
func (f *fixture) run(t *testing.T, kind schedule.JobKind) ([]schedule.JobRequest, async.Message) {
	t.Helper()
	runnable, err := f.jobs.Dispatch(kind)
	require.NoError(t, err)

	q := async.NewQueue(async.Config{FullInterval: time.Millisecond}, zap.NewNop().Sugar())
	results := make(chan async.Result, 1)
	q.AddJob(1, runnable, async.WithOnDone(func(_ context.Context, r async.Result) error {
		results <- r
		return nil
	}))
	q.Start()

	select {
	case r := <-results:
		require.NoError(t, r.Err)
		reqs, _ := r.Value.([]schedule.JobRequest)
		return reqs, r.Message
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
		return nil, async.Message{}
	}
}

func TestNewsQueuesTocs(t *testing.T) {
	f := newFixture(t)
	f.site.news = []hook.NewsItem{
		{Title: "c1", Link: "https://www.royalroad.com/fiction/1/chapter/1", TocLink: "https://www.royalroad.com/fiction/1"},
		{Title: "c2", Link: "https://www.royalroad.com/fiction/1/chapter/2", TocLink: "https://www.royalroad.com/fiction/1"},
		{Title: "c3", Link: "https://www.royalroad.com/fiction/2/chapter/1"},
	}

	reqs, msg := f.run(t, schedule.NewsKind{Hook: "royalroad"})
	require.Len(t, reqs, 1)
	assert.Equal(t, "toc-https://www.royalroad.com/fiction/1", reqs[0].Name)
	assert.Equal(t, schedule.TypeOneTimeToc, reqs[0].Type)
	assert.Equal(t, int64(3), msg.Modifications)
}

type feedBody string

func (b feedBody) Fetch(context.Context, string) ([]byte, error) { return []byte(b), nil }

func TestFeedNewsQueuesTocs(t *testing.T) {
	f := newFixture(t)
	feed := feedBody(`<rss version="2.0"><channel>
<item><title>Chapter 3</title><link>https://www.royalroad.com/fiction/7</link></item>
<item><title>Chapter 4</title><link>https://www.royalroad.com/fiction/7</link></item>
</channel></rss>`)
	require.NoError(t, f.hooks.Register(hook.NewFeedHook("rr-feed", "royalroad.com", "https://www.royalroad.com/feed", feed)))

	reqs, _ := f.run(t, schedule.NewsKind{Hook: "rr-feed"})
	require.Len(t, reqs, 1)
	assert.Equal(t, "toc-https://www.royalroad.com/fiction/7", reqs[0].Name)
	assert.Equal(t, schedule.TypeOneTimeToc, reqs[0].Type)
}

func TestTocIsSaved(t *testing.T) {
	f := newFixture(t)
	link := "https://www.royalroad.com/fiction/1"
	f.site.tocs[link] = []hook.Toc{{Title: "Mother of Learning", Episodes: []hook.TocEpisode{{Index: 1, Title: "Good Morning Brother"}}}}

	reqs, msg := f.run(t, schedule.TocKind{Request: schedule.TocRequest{URL: link}})
	assert.Empty(t, reqs)
	assert.Equal(t, int64(2), msg.Modifications)

	stale, err := f.store.StaleTocs(context.Background(), f.now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, link, stale[0].Link, "an empty toc link defaults to the requested url")
}

func TestDispatchHookErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.jobs.Dispatch(schedule.NewsKind{Hook: "webnovel"})
	assert.True(t, errors.IsNotFoundError(err))

	_, err = f.jobs.Dispatch(schedule.OneTimeTocKind{Request: schedule.TocRequest{URL: "https://example.com/toc"}})
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, f.hooks.Disable(context.Background(), "royalroad"))

	_, err = f.jobs.Dispatch(schedule.NewsKind{Hook: "royalroad"})
	assert.True(t, errors.IsHookDisabledError(err))

	_, err = f.jobs.Dispatch(schedule.TocKind{Request: schedule.TocRequest{URL: "https://www.royalroad.com/fiction/1"}})
	assert.True(t, errors.IsHookDisabledError(err))

	_, err = f.jobs.Dispatch(schedule.SearchTocKind{Hook: "royalroad"})
	assert.True(t, errors.IsHookDisabledError(err))

	// Housekeeping needs no hook
	_, err = f.jobs.Dispatch(schedule.CheckTocsKind{})
	assert.NoError(t, err)
}

func TestFailingAdapterFailsTheJob(t *testing.T) {
	f := newFixture(t)
	f.site.err = errors.New("503 Service Unavailable")

	runnable, err := f.jobs.Dispatch(schedule.NewsKind{Hook: "royalroad"})
	require.NoError(t, err)
	_, err = runnable.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "news adapter failed")
}

func TestCheckTocsSearchesEveryMedium(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.store.AddMedium(ctx, "Overgeared", 1)
	require.NoError(t, err)
	_, err = f.store.AddMedium(ctx, "Lord of the Mysteries", 1)
	require.NoError(t, err)

	reqs, _ := f.run(t, schedule.CheckTocsKind{})
	require.Len(t, reqs, 2)
	assert.Equal(t, schedule.SearchTocJob("royalroad", schedule.TocSearchMedium{MediumID: first, Title: "Overgeared", Medium: 1}), reqs[0])
}

func TestSearchTocQueuesFoundToc(t *testing.T) {
	f := newFixture(t)
	medium := schedule.TocSearchMedium{MediumID: 4, Title: "Overgeared", Medium: 1, Synonyms: []string{"OG"}}

	reqs, _ := f.run(t, schedule.SearchTocKind{Hook: "royalroad", Medium: medium})
	assert.Empty(t, reqs, "nothing found")
	require.Len(t, f.site.searched, 1)
	assert.Equal(t, hook.SearchQuery{Title: "Overgeared", Medium: 1, Synonyms: []string{"OG"}}, f.site.searched[0])

	f.site.found = "https://www.royalroad.com/fiction/9"
	reqs, _ = f.run(t, schedule.SearchTocKind{Hook: "royalroad", Medium: medium})
	require.Len(t, reqs, 1)
	assert.Equal(t, schedule.OneTimeTocJob(schedule.TocRequest{URL: f.site.found, MediumID: 4}), reqs[0])
}

func TestQueueTocsSchedulesStaleTocs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.SaveToc(ctx, 0, hook.Toc{Link: "https://www.royalroad.com/fiction/1"}, f.now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = f.store.SaveToc(ctx, 0, hook.Toc{Link: "https://www.royalroad.com/fiction/2"}, f.now)
	require.NoError(t, err)

	reqs, _ := f.run(t, schedule.QueueTocsKind{})
	require.Len(t, reqs, 1)
	assert.Equal(t, schedule.TocJob(schedule.TocRequest{URL: "https://www.royalroad.com/fiction/1"}, TocRefreshAge), reqs[0])
}

func TestOneTimeUserImportsLists(t *testing.T) {
	f := newFixture(t)
	f.site.lists = hook.UserLists{Identifier: "reader", Lists: []hook.ExternalList{
		{Name: "Reading", URL: "https://www.royalroad.com/profile/1/reading", TocLinks: []string{"https://a.com/1", "https://a.com/2"}},
		{Name: "Later", URL: "https://www.royalroad.com/profile/1/later", TocLinks: []string{"https://a.com/2"}},
	}}

	reqs, _ := f.run(t, schedule.OneTimeUserKind{UUID: "u-1", URL: "https://www.royalroad.com/profile/1"})
	require.Len(t, reqs, 2)
	assert.Equal(t, "toc-https://a.com/1", reqs[0].Name)
	assert.Equal(t, "toc-https://a.com/2", reqs[1].Name)

	// Freshly scraped users are not queued again
	reqs, _ = f.run(t, schedule.QueueExternalUserKind{})
	assert.Empty(t, reqs)

	f.now = f.now.Add(UserRefreshAge + time.Hour)
	reqs, _ = f.run(t, schedule.QueueExternalUserKind{})
	require.Len(t, reqs, 1)
	assert.Equal(t, schedule.OneTimeUserJob("u-1", "https://www.royalroad.com/profile/1"), reqs[0])
}

func TestRemapMediaPartsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	medium, err := f.store.AddMedium(ctx, "Overgeared", 1)
	require.NoError(t, err)
	_, err = f.store.SaveToc(ctx, medium, sampleToc("https://www.royalroad.com/fiction/1"), f.now)
	require.NoError(t, err)

	reqs, msg := f.run(t, schedule.RemapMediaPartsKind{})
	assert.Empty(t, reqs)
	assert.Equal(t, int64(3), msg.Modifications)
}
