package hook

import (
	"github.com/teranos/lector/errors"
)

// Hook is either Enabled, carrying its adapters, or Disabled, carrying only
// its name. Check Enabled before calling into it, or use Adapters which
// fails with ErrHookDisabled.
type Hook struct {
	name     string
	adapters *AdapterSet
}

// Enabled wraps an adapter set as a usable hook
func Enabled(set AdapterSet) Hook {
	return Hook{name: set.Name, adapters: &set}
}

// Disabled names a hook that must not be called
func Disabled(name string) Hook {
	return Hook{name: name}
}

func (h Hook) Name() string { return h.name }

func (h Hook) Enabled() bool { return h.adapters != nil }

// Adapters returns the adapter set, or an error matching
// errors.IsHookDisabledError when the hook is disabled.
func (h Hook) Adapters() (AdapterSet, error) {
	if h.adapters == nil {
		return AdapterSet{}, errors.NewHookDisabledError(h.name)
	}
	return *h.adapters, nil
}
