package hook

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/teranos/lector/errors"
)

// Fetcher downloads a page. *httpclient.SaferClient implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FeedNews reads news from an RSS, Atom or JSON feed
type FeedNews struct {
	URL    string
	Client Fetcher
}

// News fetches the feed and returns its items. Items without a link are
// dropped. Each item's link doubles as its toc link so the crawler follows
// it with a one-shot toc job.
func (f FeedNews) News(ctx context.Context) ([]NewsItem, error) {
	body, err := f.Client.Fetch(ctx, f.URL)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to parse feed"), "Feed: %s", f.URL)
	}

	items := make([]NewsItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		link := strings.TrimSpace(it.Link)
		if link == "" {
			continue
		}
		items = append(items, NewsItem{
			Title:   strings.TrimSpace(it.Title),
			Link:    link,
			Date:    feedItemDate(it),
			TocLink: link,
		})
	}
	return items, nil
}

func feedItemDate(it *gofeed.Item) time.Time {
	switch {
	case it.PublishedParsed != nil:
		return it.PublishedParsed.UTC()
	case it.UpdatedParsed != nil:
		return it.UpdatedParsed.UTC()
	}
	return time.Time{}
}

// NewFeedHook registers a feed as a news-only hook
func NewFeedHook(name, domain, url string, client Fetcher) AdapterSet {
	return AdapterSet{
		Name:   name,
		Domain: domain,
		News:   FeedNews{URL: url, Client: client},
	}
}
