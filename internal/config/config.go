// Package config loads engine configuration from a YAML file plus
// environment overrides, and watches the bootstrap policy file for
// changes.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// debounce coalesces bursts of filesystem events into one reload.
const debounce = 500 * time.Millisecond

// Config is the engine's runtime configuration.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	NATSURL         string        `yaml:"nats_url"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	DefaultTenant   string        `yaml:"default_tenant"`
	PolicyFile      string        `yaml:"policy_file"`
	ScoreInterval   time.Duration `yaml:"score_interval"`
	WindowMaxAge    time.Duration `yaml:"window_max_age"`
	WindowGCEvery   time.Duration `yaml:"window_gc_every"`
	AnnotateAPIKey  string        `yaml:"annotate_api_key"`
	AnnotateURL     string        `yaml:"annotate_url"`
	AnnotateModel   string        `yaml:"annotate_model"`
	AnnotateTimeout time.Duration `yaml:"annotate_timeout"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		NATSURL:         "nats://localhost:4222",
		DefaultTenant:   "default",
		ScoreInterval:   5 * time.Minute,
		WindowMaxAge:    90 * 24 * time.Hour,
		WindowGCEvery:   time.Hour,
		AnnotateModel:   "gpt-4o-mini",
		AnnotateTimeout: 10 * time.Second,
	}
}

// fileConfig mirrors Config with durations as strings, since YAML has
// no native duration scalar.
type fileConfig struct {
	HTTPAddr        string `yaml:"http_addr"`
	NATSURL         string `yaml:"nats_url"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	DefaultTenant   string `yaml:"default_tenant"`
	PolicyFile      string `yaml:"policy_file"`
	ScoreInterval   string `yaml:"score_interval"`
	WindowMaxAge    string `yaml:"window_max_age"`
	WindowGCEvery   string `yaml:"window_gc_every"`
	AnnotateAPIKey  string `yaml:"annotate_api_key"`
	AnnotateURL     string `yaml:"annotate_url"`
	AnnotateModel   string `yaml:"annotate_model"`
	AnnotateTimeout string `yaml:"annotate_timeout"`
}

// Load reads a YAML config file over the defaults. A missing path is
// not an error; env overrides are applied by the caller.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, raw.HTTPAddr)
	setString(&cfg.NATSURL, raw.NATSURL)
	setString(&cfg.PostgresDSN, raw.PostgresDSN)
	setString(&cfg.DefaultTenant, raw.DefaultTenant)
	setString(&cfg.PolicyFile, raw.PolicyFile)
	setString(&cfg.AnnotateAPIKey, raw.AnnotateAPIKey)
	setString(&cfg.AnnotateURL, raw.AnnotateURL)
	setString(&cfg.AnnotateModel, raw.AnnotateModel)

	for _, d := range []struct {
		dst *time.Duration
		src string
		key string
	}{
		{&cfg.ScoreInterval, raw.ScoreInterval, "score_interval"},
		{&cfg.WindowMaxAge, raw.WindowMaxAge, "window_max_age"},
		{&cfg.WindowGCEvery, raw.WindowGCEvery, "window_gc_every"},
		{&cfg.AnnotateTimeout, raw.AnnotateTimeout, "annotate_timeout"},
	} {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s in %s: %w", d.key, path, err)
		}
		*d.dst = parsed
	}
	return cfg, nil
}

func setString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// WatchFile invokes onChange (debounced) whenever the file is written
// or replaced. Blocks until ctx is cancelled. Used for hot-reloading
// the bootstrap policy document.
func WatchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than writing
	// in place.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	base := filepath.Base(path)
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		case <-fire:
			onChange()
		}
	}
}
