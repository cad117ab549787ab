package am

import "github.com/teranos/lector/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// pulse.max_active: negative values are clamped to 1 by the queue, 0 means default
	if c.Pulse.MemoryLimit < 0 {
		return errors.Newf("pulse.memory_limit must be >= 0, got %d", c.Pulse.MemoryLimit)
	}
	if c.Pulse.MemorySize < 0 {
		return errors.Newf("pulse.memory_size must be >= 0, got %d", c.Pulse.MemorySize)
	}
	if c.Pulse.CoordinatorIntervalSeconds < 0 {
		return errors.Newf("pulse.coordinator_interval_seconds must be >= 0, got %d", c.Pulse.CoordinatorIntervalSeconds)
	}

	switch c.Pulse.Strategy {
	case "", StrategyBalanced, StrategyFCFS:
	default:
		return errors.Newf("pulse.strategy must be %q or %q, got %q", StrategyBalanced, StrategyFCFS, c.Pulse.Strategy)
	}

	if c.Crawler.RequestsPerSecond < 0 {
		return errors.Newf("crawler.requests_per_second must be >= 0, got %f", c.Crawler.RequestsPerSecond)
	}
	if c.Crawler.Burst < 0 {
		return errors.Newf("crawler.burst must be >= 0, got %d", c.Crawler.Burst)
	}
	if c.Crawler.NewsIntervalMinutes < 0 {
		return errors.Newf("crawler.news_interval_minutes must be >= 0, got %d", c.Crawler.NewsIntervalMinutes)
	}

	seen := make(map[string]bool, len(c.Crawler.Feeds))
	for i, feed := range c.Crawler.Feeds {
		if feed.Name == "" || feed.URL == "" {
			return errors.Newf("crawler.feeds[%d] needs a name and a url", i)
		}
		if seen[feed.Name] {
			return errors.Newf("crawler.feeds: duplicate name %q", feed.Name)
		}
		seen[feed.Name] = true
	}

	return nil
}
