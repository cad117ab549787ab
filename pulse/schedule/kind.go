package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/lector/errors"
)

// Intervals of the jobs seeded by Coordinator.Setup
const (
	DefaultNewsInterval      = 5 * time.Minute
	HousekeepingInterval     = time.Hour
	ExternalUserScanInterval = 7 * 24 * time.Hour
)

// TocRequest identifies a table of contents to scrape
type TocRequest struct {
	URL      string `json:"url"`
	MediumID int64  `json:"mediumId,omitempty"`
	UUID     string `json:"uuid,omitempty"`
}

// TocSearchMedium is a medium that has no toc yet, searched for by title
type TocSearchMedium struct {
	MediumID int64    `json:"mediumId"`
	Title    string   `json:"title"`
	Medium   int      `json:"medium"`
	Synonyms []string `json:"synonyms,omitempty"`
}

// JobKind is the decoded, typed form of a job record. The set of kinds is
// closed: only this package can implement it.
type JobKind interface {
	Type() JobType
	isJobKind()
}

// NewsKind runs the news adapter of one hook
type NewsKind struct{ Hook string }

// TocKind refreshes a known toc on an interval
type TocKind struct{ Request TocRequest }

// SearchTocKind looks for a toc of a medium on one hook
type SearchTocKind struct {
	Hook   string
	Medium TocSearchMedium
}

// OneTimeTocKind scrapes a toc once, typically found by news or search
type OneTimeTocKind struct{ Request TocRequest }

// OneTimeUserKind imports the lists of an external user once
type OneTimeUserKind struct {
	UUID string `json:"uuid"`
	URL  string `json:"url"`
}

type (
	CheckTocsKind         struct{}
	QueueTocsKind         struct{}
	RemapMediaPartsKind   struct{}
	QueueExternalUserKind struct{}
)

func (NewsKind) Type() JobType              { return TypeNews }
func (TocKind) Type() JobType               { return TypeToc }
func (SearchTocKind) Type() JobType         { return TypeSearchToc }
func (OneTimeTocKind) Type() JobType        { return TypeOneTimeToc }
func (OneTimeUserKind) Type() JobType       { return TypeOneTimeUser }
func (CheckTocsKind) Type() JobType         { return TypeCheckTocs }
func (QueueTocsKind) Type() JobType         { return TypeQueueTocs }
func (RemapMediaPartsKind) Type() JobType   { return TypeRemapMediaParts }
func (QueueExternalUserKind) Type() JobType { return TypeQueueExternalUser }

func (NewsKind) isJobKind()              {}
func (TocKind) isJobKind()               {}
func (SearchTocKind) isJobKind()         {}
func (OneTimeTocKind) isJobKind()        {}
func (OneTimeUserKind) isJobKind()       {}
func (CheckTocsKind) isJobKind()         {}
func (QueueTocsKind) isJobKind()         {}
func (RemapMediaPartsKind) isJobKind()   {}
func (QueueExternalUserKind) isJobKind() {}

type searchTocArgs struct {
	Hook   string          `json:"hook"`
	Medium TocSearchMedium `json:"medium"`
}

// DecodeKind turns the type tag and arguments of a record into a JobKind.
// Unknown types and malformed arguments are ErrInvalidRequest.
func DecodeKind(item JobItem) (JobKind, error) {
	switch item.Type {
	case TypeNews:
		if item.Arguments == "" {
			return nil, invalidArguments(item, errors.New("missing hook name"))
		}
		return NewsKind{Hook: item.Arguments}, nil

	case TypeToc, TypeOneTimeToc:
		var req TocRequest
		if err := decodeArguments(item, &req); err != nil {
			return nil, err
		}
		if req.URL == "" {
			return nil, invalidArguments(item, errors.New("toc request without url"))
		}
		if item.Type == TypeToc {
			return TocKind{Request: req}, nil
		}
		return OneTimeTocKind{Request: req}, nil

	case TypeSearchToc:
		var args searchTocArgs
		if err := decodeArguments(item, &args); err != nil {
			return nil, err
		}
		return SearchTocKind{Hook: args.Hook, Medium: args.Medium}, nil

	case TypeOneTimeUser:
		var kind OneTimeUserKind
		if err := decodeArguments(item, &kind); err != nil {
			return nil, err
		}
		if kind.URL == "" {
			return nil, invalidArguments(item, errors.New("user request without url"))
		}
		return kind, nil

	case TypeCheckTocs:
		return CheckTocsKind{}, nil
	case TypeQueueTocs:
		return QueueTocsKind{}, nil
	case TypeRemapMediaParts:
		return RemapMediaPartsKind{}, nil
	case TypeQueueExternalUser:
		return QueueExternalUserKind{}, nil
	}

	err := errors.NewInvalidRequestError("unknown job type %q", item.Type)
	return nil, errors.WithDetailf(err, "Job: %d %s", item.ID, item.Name)
}

func decodeArguments(item JobItem, v any) error {
	if err := json.Unmarshal([]byte(item.Arguments), v); err != nil {
		return invalidArguments(item, err)
	}
	return nil
}

func invalidArguments(item JobItem, cause error) error {
	err := errors.Wrapf(errors.ErrInvalidRequest, "malformed %s arguments: %v", item.Type, cause)
	return errors.WithDetailf(err, "Job: %d %s", item.ID, item.Name)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Only plain structs of this package are encoded
		panic(fmt.Sprintf("encode job arguments: %v", err))
	}
	return string(data)
}

// NewsJob runs the news adapter of hook every interval.
func NewsJob(hook string, interval time.Duration) JobRequest {
	return JobRequest{
		Name:      "news-" + hook,
		Type:      TypeNews,
		Arguments: hook,
		Interval:  interval,
	}
}

// TocJob refreshes a toc every interval. The toc url is part of the name
// so the balanced strategy can group it by domain.
func TocJob(req TocRequest, interval time.Duration) JobRequest {
	return JobRequest{
		Name:      "toc-" + req.URL,
		Type:      TypeToc,
		Arguments: mustJSON(req),
		Interval:  interval,
	}
}

// OneTimeTocJob scrapes a toc once as soon as possible.
func OneTimeTocJob(req TocRequest) JobRequest {
	return JobRequest{
		Name:           "toc-" + req.URL,
		Type:           TypeOneTimeToc,
		Arguments:      mustJSON(req),
		DeleteAfterRun: true,
		RunImmediately: true,
	}
}

// SearchTocJob searches hook for a toc of medium once.
func SearchTocJob(hook string, medium TocSearchMedium) JobRequest {
	return JobRequest{
		Name:           fmt.Sprintf("search-toc-%s-%d", hook, medium.MediumID),
		Type:           TypeSearchToc,
		Arguments:      mustJSON(searchTocArgs{Hook: hook, Medium: medium}),
		DeleteAfterRun: true,
		RunImmediately: true,
	}
}

// OneTimeUserJob imports the lists of an external user once.
func OneTimeUserJob(uuid, url string) JobRequest {
	return JobRequest{
		Name:           "user-" + url,
		Type:           TypeOneTimeUser,
		Arguments:      mustJSON(OneTimeUserKind{UUID: uuid, URL: url}),
		DeleteAfterRun: true,
		RunImmediately: true,
	}
}

// HousekeepingJobs are the fixed recurring maintenance jobs.
func HousekeepingJobs() []JobRequest {
	return []JobRequest{
		{Name: "check-tocs", Type: TypeCheckTocs, Interval: HousekeepingInterval},
		{Name: "queue-tocs", Type: TypeQueueTocs, Interval: HousekeepingInterval},
		{Name: "remap-media-parts", Type: TypeRemapMediaParts, Interval: HousekeepingInterval},
		{Name: "queue-external-user", Type: TypeQueueExternalUser, Interval: ExternalUserScanInterval},
	}
}
