package httpclient

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/teranos/lector/errors"
)

// UnknownQueueKey groups requests whose target cannot be determined
const UnknownQueueKey = "UNKNOWN"

// QueueKey returns the request queue a URL belongs to: its registrable
// domain (eTLD+1), so that www.example.com and m.example.com share a queue.
// Unparseable URLs, IP hosts and bare suffixes fall back to the host or to
// UnknownQueueKey.
func QueueKey(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return UnknownQueueKey
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return UnknownQueueKey
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// maxIdleLimiters bounds how many queue keys a DomainLimiter remembers
// before idle buckets are dropped.
const maxIdleLimiters = 512

// DomainLimiter paces requests per queue key. Each key gets its own token
// bucket, so a slow site never holds back requests to another one.
type DomainLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDomainLimiter allows rps requests per second with the given burst per
// queue key. rps <= 0 disables pacing.
func NewDomainLimiter(rps float64, burst int) *DomainLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &DomainLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a request to rawURL may be sent or ctx is done.
func (d *DomainLimiter) Wait(ctx context.Context, rawURL string) error {
	key := QueueKey(rawURL)
	if err := d.limiter(key).Wait(ctx); err != nil {
		return errors.WithDetailf(errors.Wrap(err, "rate limit wait aborted"), "Queue: %s", key)
	}
	return nil
}

func (d *DomainLimiter) allow(rawURL string) bool {
	return d.limiter(QueueKey(rawURL)).Allow()
}

func (d *DomainLimiter) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.limiters))
	for k := range d.limiters {
		keys = append(keys, k)
	}
	return keys
}

func (d *DomainLimiter) limiter(key string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limit == rate.Inf {
		return rate.NewLimiter(rate.Inf, d.burst)
	}
	l, ok := d.limiters[key]
	if !ok {
		if len(d.limiters) >= maxIdleLimiters {
			d.evictIdleLocked()
		}
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[key] = l
	}
	return l
}

// evictIdleLocked drops buckets that have refilled completely. A fresh bucket
// behaves the same, so no pacing is lost.
func (d *DomainLimiter) evictIdleLocked() {
	now := time.Now()
	for key, l := range d.limiters {
		if l.TokensAt(now) >= float64(d.burst) {
			delete(d.limiters, key)
		}
	}
}
