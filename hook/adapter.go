// Package hook holds the site adapters ("hooks") the crawler drives and the
// registry that tracks which of them are enabled.
//
// A hook bundles up to six capabilities for one site: news, toc scraping,
// toc discovery, search, episode download and user-list import. Adapters
// are plain interfaces; how a site is scraped is up to the implementation.
package hook

import (
	"context"
	"regexp"
	"time"
)

// NewsItem is one entry of a site's news feed
type NewsItem struct {
	Title   string
	Link    string
	Date    time.Time
	TocLink string // Toc page of the medium the news belongs to, if known
}

// TocEpisode is one released episode listed on a toc page
type TocEpisode struct {
	Index     float64
	PartIndex int
	Title     string
	Link      string
	Date      time.Time
}

// TocPart groups episodes, e.g. a volume
type TocPart struct {
	Index int
	Title string
}

// Toc is a scraped table of contents
type Toc struct {
	Link     string
	Title    string
	Parts    []TocPart
	Episodes []TocEpisode
}

// SearchQuery describes a medium to look for on a site
type SearchQuery struct {
	Title    string
	Medium   int
	Synonyms []string
}

// SearchResult is one hit of a site search
type SearchResult struct {
	Title  string
	Link   string
	Author string
}

// EpisodeContent is the downloaded text of one episode
type EpisodeContent struct {
	Title   string
	Index   float64
	Content []string
}

// ExternalList is a reading list on an external site
type ExternalList struct {
	Name     string
	URL      string
	TocLinks []string
}

// UserLists is everything imported for one external user
type UserLists struct {
	Identifier string
	Lists      []ExternalList
}

type NewsScraper interface {
	News(ctx context.Context) ([]NewsItem, error)
}

type TocScraper interface {
	Toc(ctx context.Context, link string) ([]Toc, error)
}

// TocSearcher finds the toc page of a medium. An empty link means not found.
type TocSearcher interface {
	SearchToc(ctx context.Context, query SearchQuery) (string, error)
}

type SearchScraper interface {
	Search(ctx context.Context, query SearchQuery) ([]SearchResult, error)
}

type EpisodeDownloader interface {
	Download(ctx context.Context, link string) ([]EpisodeContent, error)
}

type UserListScraper interface {
	Lists(ctx context.Context, link string) (UserLists, error)
}

// AdapterSet is what a hook registers. Any capability may be nil.
type AdapterSet struct {
	Name   string
	Domain string

	News NewsScraper

	Toc        TocScraper
	TocPattern *regexp.Regexp

	TocSearch TocSearcher
	Search    SearchScraper

	Download        EpisodeDownloader
	DownloadPattern *regexp.Regexp

	UserLists   UserListScraper
	ListPattern *regexp.Regexp
}
