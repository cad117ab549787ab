package hook

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/logger"
)

// TocEntry pairs a toc scraper with the links it handles
type TocEntry struct {
	Hook    string
	Pattern *regexp.Regexp
	Scraper TocScraper
}

// DiscoveryEntry is a hook able to find toc pages of media
type DiscoveryEntry struct {
	Hook     string
	Searcher TocSearcher
}

// DownloadEntry pairs an episode downloader with the links it handles
type DownloadEntry struct {
	Hook       string
	Pattern    *regexp.Regexp
	Downloader EpisodeDownloader
}

// ListEntry pairs a user-list scraper with the links it handles
type ListEntry struct {
	Hook    string
	Pattern *regexp.Regexp
	Scraper UserListScraper
}

// Status describes one registered hook for display
type Status struct {
	Name           string   `json:"name"`
	Domain         string   `json:"domain"`
	Enabled        bool     `json:"enabled"`
	ConfigDisabled bool     `json:"config_disabled"`
	Capabilities   []string `json:"capabilities"`
}

// Registry holds the registered hooks and their enabled state. A hook is
// enabled unless its stored flag says otherwise or the configuration
// disables it.
type Registry struct {
	mu       sync.RWMutex
	sets     map[string]AdapterSet
	stored   map[string]bool
	disabled map[string]bool // from configuration
	state    *StateStore
	logger   *zap.SugaredLogger
}

// NewRegistry creates an empty registry. state may be nil, in which case
// enabled flags live in memory only.
func NewRegistry(state *StateStore, log *zap.SugaredLogger) *Registry {
	return &Registry{
		sets:     make(map[string]AdapterSet),
		stored:   make(map[string]bool),
		disabled: make(map[string]bool),
		state:    state,
		logger:   logger.AddHookSymbol(log.Named("hooks")),
	}
}

// Register adds a hook. Names must be unique.
func (r *Registry) Register(set AdapterSet) error {
	if set.Name == "" {
		return errors.NewInvalidRequestError("hook needs a name")
	}
	if set.Toc != nil && set.TocPattern == nil {
		return errors.NewInvalidRequestError("hook %q has a toc scraper but no toc pattern", set.Name)
	}
	if set.Download != nil && set.DownloadPattern == nil {
		return errors.NewInvalidRequestError("hook %q has a downloader but no download pattern", set.Name)
	}
	if set.UserLists != nil && set.ListPattern == nil {
		return errors.NewInvalidRequestError("hook %q has a list scraper but no list pattern", set.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sets[set.Name]; exists {
		return errors.NewInvalidRequestError("hook already registered: %s", set.Name)
	}
	r.sets[set.Name] = set
	return nil
}

// Load refreshes enabled flags from storage. Hooks never stored before are
// inserted enabled.
func (r *Registry) Load(ctx context.Context) error {
	if r.state == nil {
		return nil
	}

	r.mu.RLock()
	sets := make([]AdapterSet, 0, len(r.sets))
	for _, set := range r.sets {
		sets = append(sets, set)
	}
	r.mu.RUnlock()

	if err := r.state.Sync(ctx, sets); err != nil {
		return err
	}
	states, err := r.state.States(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.stored = states
	r.mu.Unlock()

	r.logger.Debugw("Hooks loaded", logger.FieldCount, len(sets))
	return nil
}

// GetHook returns the named hook, Enabled or Disabled. Unknown names fail
// with ErrNotFound.
func (r *Registry) GetHook(name string) (Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.sets[name]
	if !ok {
		return Hook{}, errors.NewNotFoundError("hook %q", name)
	}
	if !r.enabledLocked(name) {
		return Disabled(name), nil
	}
	return Enabled(set), nil
}

// Adapters returns the adapters of an enabled hook. The error tells
// ErrNotFound and ErrHookDisabled apart.
func (r *Registry) Adapters(name string) (AdapterSet, error) {
	h, err := r.GetHook(name)
	if err != nil {
		return AdapterSet{}, err
	}
	return h.Adapters()
}

// Enable persists the hook as enabled.
func (r *Registry) Enable(ctx context.Context, name string) error {
	return r.setEnabled(ctx, name, true)
}

// Disable persists the hook as disabled.
func (r *Registry) Disable(ctx context.Context, name string) error {
	return r.setEnabled(ctx, name, false)
}

func (r *Registry) setEnabled(ctx context.Context, name string, enabled bool) error {
	r.mu.RLock()
	_, ok := r.sets[name]
	overridden := r.disabled[name]
	r.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError("hook %q", name)
	}

	if r.state != nil {
		if err := r.state.SetEnabled(ctx, name, enabled); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.stored[name] = enabled
	r.mu.Unlock()

	if enabled && overridden {
		r.logger.Warnw("Hook enabled but still disabled by configuration", logger.FieldHook, name)
	}
	r.logger.Infow("Hook state changed", logger.FieldHook, name, "enabled", enabled)
	return nil
}

// ApplyDisabled replaces the set of hooks disabled by configuration.
func (r *Registry) ApplyDisabled(names []string) {
	disabled := make(map[string]bool, len(names))

	r.mu.Lock()
	for _, name := range names {
		if _, ok := r.sets[name]; !ok {
			r.logger.Warnw("Configuration disables unknown hook", logger.FieldHook, name)
		}
		disabled[name] = true
	}
	r.disabled = disabled
	r.mu.Unlock()
}

// Names returns all registered hook names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// NewsHooks names the enabled hooks with a news adapter.
func (r *Registry) NewsHooks() []string {
	var names []string
	for _, set := range r.GetNewsAdapters() {
		names = append(names, set.Name)
	}
	return names
}

// GetNewsAdapters returns the enabled hooks with a news adapter.
func (r *Registry) GetNewsAdapters() []AdapterSet {
	var out []AdapterSet
	r.eachEnabled(func(set AdapterSet) {
		if set.News != nil {
			out = append(out, set)
		}
	})
	return out
}

func (r *Registry) TocScraperEntries() []TocEntry {
	var out []TocEntry
	r.eachEnabled(func(set AdapterSet) {
		if set.Toc != nil {
			out = append(out, TocEntry{Hook: set.Name, Pattern: set.TocPattern, Scraper: set.Toc})
		}
	})
	return out
}

func (r *Registry) TocDiscoveryEntries() []DiscoveryEntry {
	var out []DiscoveryEntry
	r.eachEnabled(func(set AdapterSet) {
		if set.TocSearch != nil {
			out = append(out, DiscoveryEntry{Hook: set.Name, Searcher: set.TocSearch})
		}
	})
	return out
}

func (r *Registry) EpisodeDownloaderEntries() []DownloadEntry {
	var out []DownloadEntry
	r.eachEnabled(func(set AdapterSet) {
		if set.Download != nil {
			out = append(out, DownloadEntry{Hook: set.Name, Pattern: set.DownloadPattern, Downloader: set.Download})
		}
	})
	return out
}

func (r *Registry) UserListEntries() []ListEntry {
	var out []ListEntry
	r.eachEnabled(func(set AdapterSet) {
		if set.UserLists != nil {
			out = append(out, ListEntry{Hook: set.Name, Pattern: set.ListPattern, Scraper: set.UserLists})
		}
	})
	return out
}

// TocScraperFor finds the toc scraper whose pattern matches link. A link
// only a disabled hook handles fails with ErrHookDisabled.
func (r *Registry) TocScraperFor(link string) (TocEntry, error) {
	for _, entry := range r.TocScraperEntries() {
		if entry.Pattern.MatchString(link) {
			return entry, nil
		}
	}
	return TocEntry{}, r.unmatched(link, func(set AdapterSet) *regexp.Regexp { return set.TocPattern })
}

// UserListScraperFor finds the user-list scraper whose pattern matches link.
func (r *Registry) UserListScraperFor(link string) (ListEntry, error) {
	for _, entry := range r.UserListEntries() {
		if entry.Pattern.MatchString(link) {
			return entry, nil
		}
	}
	return ListEntry{}, r.unmatched(link, func(set AdapterSet) *regexp.Regexp { return set.ListPattern })
}

// Statuses describes every registered hook, sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.sets))
	for _, name := range r.namesLocked() {
		set := r.sets[name]
		out = append(out, Status{
			Name:           name,
			Domain:         set.Domain,
			Enabled:        r.enabledLocked(name),
			ConfigDisabled: r.disabled[name],
			Capabilities:   capabilities(set),
		})
	}
	return out
}

func (r *Registry) unmatched(link string, pattern func(AdapterSet) *regexp.Regexp) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.namesLocked() {
		if p := pattern(r.sets[name]); p != nil && p.MatchString(link) {
			return errors.WithDetailf(errors.NewHookDisabledError(name), "Link: %s", link)
		}
	}
	return errors.NewNotFoundError("no hook handles %s", link)
}

func (r *Registry) eachEnabled(fn func(AdapterSet)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.namesLocked() {
		if r.enabledLocked(name) {
			fn(r.sets[name])
		}
	}
}

func (r *Registry) enabledLocked(name string) bool {
	if r.disabled[name] {
		return false
	}
	enabled, ok := r.stored[name]
	return !ok || enabled
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.sets))
	for name := range r.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func capabilities(set AdapterSet) []string {
	var caps []string
	if set.News != nil {
		caps = append(caps, "news")
	}
	if set.Toc != nil {
		caps = append(caps, "toc")
	}
	if set.TocSearch != nil {
		caps = append(caps, "toc-search")
	}
	if set.Search != nil {
		caps = append(caps, "search")
	}
	if set.Download != nil {
		caps = append(caps, "download")
	}
	if set.UserLists != nil {
		caps = append(caps, "lists")
	}
	return caps
}
