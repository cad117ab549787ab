package am

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance, no user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "lector.db", cfg.Database.Path)
	assert.Equal(t, 50, cfg.Pulse.MaxActive)
	assert.Equal(t, int64(0), cfg.Pulse.MemoryLimit)
	assert.Equal(t, int64(1024*1024), cfg.Pulse.MemorySize)
	assert.Equal(t, StrategyBalanced, cfg.Pulse.Strategy)
	assert.True(t, cfg.Pulse.Automatic)
	assert.Equal(t, "google.com", cfg.Pulse.ConnectivityHost)
	assert.Equal(t, 5*time.Minute, cfg.NewsInterval())
	assert.Equal(t, 60*time.Second, cfg.CoordinatorInterval())
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout())
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "zero memory limit is valid (disabled)",
			config:  Config{Pulse: PulseConfig{MemoryLimit: 0}},
			wantErr: false,
		},
		{
			name:    "negative memory limit is invalid",
			config:  Config{Pulse: PulseConfig{MemoryLimit: -1}},
			wantErr: true,
		},
		{
			name:    "negative max_active is valid (clamped by the queue)",
			config:  Config{Pulse: PulseConfig{MaxActive: -4}},
			wantErr: false,
		},
		{
			name:    "fcfs strategy",
			config:  Config{Pulse: PulseConfig{Strategy: StrategyFCFS}},
			wantErr: false,
		},
		{
			name:    "unknown strategy",
			config:  Config{Pulse: PulseConfig{Strategy: "random"}},
			wantErr: true,
		},
		{
			name:    "negative request rate",
			config:  Config{Crawler: CrawlerConfig{RequestsPerSecond: -1}},
			wantErr: true,
		},
		{
			name:    "feed without url",
			config:  Config{Crawler: CrawlerConfig{Feeds: []FeedConfig{{Name: "blog"}}}},
			wantErr: true,
		},
		{
			name: "duplicate feed names",
			config: Config{Crawler: CrawlerConfig{Feeds: []FeedConfig{
				{Name: "blog", URL: "https://a.example/rss"},
				{Name: "blog", URL: "https://b.example/rss"},
			}}},
			wantErr: true,
		},
		{
			name:    "empty database path is valid",
			config:  Config{Database: DatabaseConfig{Path: ""}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[pulse]
max_active = 12
strategy = "fcfs"

[crawler]
disabled_hooks = ["webnovel", "royalroad"]

[[crawler.feeds]]
name = "translator-blog"
domain = "blog.example.com"
url = "https://blog.example.com/feed"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Pulse.MaxActive)
	assert.Equal(t, StrategyFCFS, cfg.Pulse.Strategy)
	assert.Equal(t, []string{"webnovel", "royalroad"}, cfg.Crawler.DisabledHooks)
	require.Len(t, cfg.Crawler.Feeds, 1)
	assert.Equal(t, FeedConfig{Name: "translator-blog", Domain: "blog.example.com", URL: "https://blog.example.com/feed"}, cfg.Crawler.Feeds[0])
	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Crawler.NewsIntervalMinutes)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nstrategy = \"lottery\"\n"), 0644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lottery")
}

func TestProjectConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "a", "b")
	require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "a", "am.toml"), []byte(""), 0644))

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	require.NoError(t, os.Chdir(subDir))

	result := ProjectConfigPath()
	require.NotEmpty(t, result, "expected to find am.toml walking upwards")
	assert.Equal(t, "am.toml", filepath.Base(result))
}

func TestSetHookDisabledIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), LocalConfigFile)

	require.NoError(t, SetHookDisabledIn(path, "webnovel", true))
	require.NoError(t, SetHookDisabledIn(path, "novelupdates", true))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"novelupdates", "webnovel"}, cfg.Crawler.DisabledHooks)

	require.NoError(t, SetHookDisabledIn(path, "webnovel", false))
	cfg, err = LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"novelupdates"}, cfg.Crawler.DisabledHooks)

	// second write rotated the first into a backup
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestMarshal(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	data, err := Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_active = 50")
	assert.Contains(t, string(data), "[crawler]")
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/home/x/.lector/am_local.toml.back1"))
	assert.True(t, isBackupFile("am.toml.back3"))
	assert.False(t, isBackupFile("am.toml"))
	assert.False(t, isBackupFile("am.toml.backup"))
}

func TestConfigWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_active = 3\n"), 0644))

	cw, err := NewConfigWatcher(zap.NewNop().Sugar(), path, filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, []string{path}, cw.Paths())
	cw.debouncePeriod = 10 * time.Millisecond

	var reloads atomic.Int32
	cw.OnReload(func(*Config) error {
		reloads.Add(1)
		return nil
	})
	cw.Start()
	defer cw.Stop()
	defer Reset()

	// Own writes are swallowed
	cw.MarkOwnWrite()
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_active = 4\n"), 0644))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_active = 5\n"), 0644))
	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestNewConfigWatcher_NothingToWatch(t *testing.T) {
	_, err := NewConfigWatcher(zap.NewNop().Sugar(), filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
