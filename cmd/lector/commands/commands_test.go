package commands

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/lector/am"
	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/internal/httpclient"
	lectortest "github.com/teranos/lector/internal/testing"
	"github.com/teranos/lector/internal/util"
	"github.com/teranos/lector/pulse/schedule"
)

func TestParseJobRequests(t *testing.T) {
	reqs, err := parseJobRequests(strings.NewReader(`
- name: toc-https://www.royalroad.com/fiction/21220
  type: toc
  arguments: '{"url":"https://www.royalroad.com/fiction/21220"}'
  interval: 24h
- name: remap-after-toc
  type: remap_media_parts
  run_after:
    name: toc-https://www.royalroad.com/fiction/21220
`))
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, schedule.TypeToc, reqs[0].Type)
	assert.Equal(t, 24*time.Hour, reqs[0].Interval)
	require.NotNil(t, reqs[1].RunAfter)
	assert.Equal(t, reqs[0].Name, reqs[1].RunAfter.Name)
}

func TestParseJobRequests_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ``},
		{"no name", `- type: check_tocs`},
		{"unknown type", `- {name: x, type: download_everything}`},
		{"bad arguments", `- {name: x, type: toc, arguments: "not json"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseJobRequests(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
		})
	}
}

func TestNewHookRegistry_Feeds(t *testing.T) {
	db := lectortest.CreateTestDB(t)
	cfg := &am.Config{Crawler: am.CrawlerConfig{
		DisabledHooks: []string{"scribblehub"},
		Feeds: []am.FeedConfig{
			{Name: "royalroad", URL: "https://www.royalroad.com/fictions/latest-updates/rss"},
			{Name: "scribblehub", Domain: "scribblehub.com", URL: "https://www.scribblehub.com/rssfeed.php"},
		},
	}}

	registry, err := newHookRegistry(db, cfg, httpclient.NewSaferClient(time.Second))
	require.NoError(t, err)
	require.NoError(t, registry.Load(context.Background()))

	statuses := registry.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "royalroad.com", statuses[0].Domain, "domain derived from the feed url")
	assert.True(t, statuses[0].Enabled)
	assert.Equal(t, []string{"news"}, statuses[0].Capabilities)
	assert.True(t, statuses[1].ConfigDisabled)
	assert.Equal(t, []string{"royalroad"}, registry.NewsHooks())
}

func TestNewHookRegistry_DuplicateFeed(t *testing.T) {
	cfg := &am.Config{Crawler: am.CrawlerConfig{Feeds: []am.FeedConfig{
		{Name: "royalroad", URL: "https://a.com/rss"},
		{Name: "royalroad", URL: "https://b.com/rss"},
	}}}
	_, err := newHookRegistry(lectortest.CreateTestDB(t), cfg, httpclient.NewSaferClient(time.Second))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestJobTable(t *testing.T) {
	next := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	items := []schedule.JobItem{
		{ID: 1, Name: "news-royalroad", Type: schedule.TypeNews, State: schedule.StateWaiting, Interval: 30 * time.Second, NextRun: &next},
		{ID: 2, Name: "toc-" + strings.Repeat("x", 80), Type: schedule.TypeOneTimeToc, State: schedule.StateWaiting},
	}

	data := jobTable(items)
	require.Len(t, data, 3)
	assert.Equal(t, "1m0s", data[1][4], "interval shown after the floor")
	assert.Equal(t, "once", data[2][4])
	assert.Equal(t, "-", data[2][5])
	assert.Equal(t, util.Truncate(items[1].Name, 48), data[2][1])
}

func TestNewJobView(t *testing.T) {
	parent := int64(7)
	v := newJobView(schedule.JobItem{ID: 8, Name: "remap", Type: schedule.TypeRemapMediaParts, State: schedule.StateWaiting, RunAfterID: &parent})
	assert.Equal(t, int64(0), v.IntervalSecs)
	assert.Equal(t, &parent, v.RunAfterID)

	v = newJobView(schedule.JobItem{Interval: 10 * time.Second})
	assert.Equal(t, int64(60), v.IntervalSecs, "interval reported after the floor")
}
