package am

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/logger"
)

// LocalConfigFile is the CLI-managed config file under ~/.lector
const LocalConfigFile = "am_local.toml"

// Marshal renders a config as TOML
func Marshal(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "path", back3, "error", err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, 0644); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

func loadLocalConfig(configPath string) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

func saveLocalConfig(config map[string]interface{}, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// A running daemon's watcher must not treat our write as an edit
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}

// SetHookDisabled adds or removes a hook from crawler.disabled_hooks in
// ~/.lector/am_local.toml.
func SetHookDisabled(name string, disabled bool) error {
	return SetHookDisabledIn(filepath.Join(UserConfigDir(), LocalConfigFile), name, disabled)
}

// SetHookDisabledIn is SetHookDisabled against an explicit file
func SetHookDisabledIn(configPath, name string, disabled bool) error {
	config, err := loadLocalConfig(configPath)
	if err != nil {
		return err
	}

	crawler, ok := config["crawler"].(map[string]interface{})
	if !ok {
		crawler = make(map[string]interface{})
	}

	set := map[string]bool{}
	if existing, ok := crawler["disabled_hooks"].([]interface{}); ok {
		for _, e := range existing {
			if s, ok := e.(string); ok {
				set[s] = true
			}
		}
	}
	if disabled {
		set[name] = true
	} else {
		delete(set, name)
	}

	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)

	crawler["disabled_hooks"] = names
	config["crawler"] = crawler

	if err := saveLocalConfig(config, configPath); err != nil {
		return errors.WithDetailf(err, "Hook: %s", name)
	}
	return nil
}
