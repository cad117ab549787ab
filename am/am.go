package am

// Config represents the lector configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Crawler  CrawlerConfig  `mapstructure:"crawler" toml:"crawler"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// PulseConfig configures the job queue and the coordinator that feeds it
type PulseConfig struct {
	MaxActive int `mapstructure:"max_active" toml:"max_active"` // Concurrent jobs (default: 50, negative clamps to 1)

	// Memory ceiling for admitting new jobs: process RSS / MemorySize > MemoryLimit
	// blocks admission. The RSS is process-wide, so with several queues in one
	// process each sees the others' footprint. 0 disables the check.
	MemoryLimit int64 `mapstructure:"memory_limit" toml:"memory_limit"`
	MemorySize  int64 `mapstructure:"memory_size" toml:"memory_size"` // Unit of MemoryLimit in bytes (default: 1 MiB)

	CoordinatorIntervalSeconds int    `mapstructure:"coordinator_interval_seconds" toml:"coordinator_interval_seconds"` // Storage fetch cycle (default: 60)
	Strategy                   string `mapstructure:"strategy" toml:"strategy"`                                         // "balanced" or "fcfs"
	Automatic                  bool   `mapstructure:"automatic" toml:"automatic"`                                       // Fetch due jobs on every cycle
	ConnectivityHost           string `mapstructure:"connectivity_host" toml:"connectivity_host"`                       // DNS name probed by the stuck-job check
}

// CrawlerConfig configures hooks and outgoing request pacing
type CrawlerConfig struct {
	NewsIntervalMinutes int      `mapstructure:"news_interval_minutes" toml:"news_interval_minutes"`
	DisabledHooks       []string `mapstructure:"disabled_hooks" toml:"disabled_hooks"`
	RequestsPerSecond   float64  `mapstructure:"requests_per_second" toml:"requests_per_second"` // Per queue domain
	Burst               int      `mapstructure:"burst" toml:"burst"`
	HTTPTimeoutSeconds  int      `mapstructure:"http_timeout_seconds" toml:"http_timeout_seconds"`

	// RSS feeds registered as news hooks, one [[crawler.feeds]] table each
	Feeds []FeedConfig `mapstructure:"feeds" toml:"feeds"`
}

// FeedConfig registers an RSS feed as a news-only hook
type FeedConfig struct {
	Name   string `mapstructure:"name" toml:"name"`
	Domain string `mapstructure:"domain" toml:"domain"`
	URL    string `mapstructure:"url" toml:"url"`
}

// Strategy names accepted by pulse.strategy
const (
	StrategyBalanced = "balanced"
	StrategyFCFS     = "fcfs"
)
