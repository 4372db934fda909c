package crawlctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// configEnv overrides the default config location.
const configEnv = "CRAWLCTL_CONFIG"

// Config is the on-disk CLI state: named gateway contexts and the one in use.
type Config struct {
	CurrentContext string             `yaml:"currentContext"`
	Contexts       map[string]Context `yaml:"contexts"`
}

// Context holds connection settings for one gateway.
type Context struct {
	Name   string `yaml:"name"`
	Server string `yaml:"server"`
	Token  string `yaml:"token,omitempty"`
	// Kind is the default task kind for task commands.
	Kind string `yaml:"kind,omitempty"`
}

// LoadConfig reads path. A missing file yields an empty config.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Contexts: map[string]Context{}}
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	for name, c := range cfg.Contexts {
		if c.Name == "" {
			c.Name = name
			cfg.Contexts[name] = c
		}
	}
	return cfg, nil
}

// SaveConfig writes cfg to path with owner-only permissions; tokens live in it.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func defaultConfigPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "crawlctl.yaml"
	}
	return filepath.Join(dir, "crawlctl", "config.yaml")
}

// Set adds or replaces a context. The first context always becomes current.
func (c *Config) Set(ctx Context, makeCurrent bool) {
	if c.Contexts == nil {
		c.Contexts = map[string]Context{}
	}
	c.Contexts[ctx.Name] = ctx
	if makeCurrent || c.CurrentContext == "" {
		c.CurrentContext = ctx.Name
	}
}

// Use switches the current context.
func (c *Config) Use(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// Delete removes a context, clearing the current one if it was removed.
func (c *Config) Delete(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}

// Names returns the context names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
