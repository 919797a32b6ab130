package fuzzer

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config carries every knob of a fuzzing run. Start from DefaultConfig
// or a loaded file; New normalizes it before use.
type Config struct {
	SpecPath       string            `yaml:"spec"`
	BaseURL        string            `yaml:"url"`
	IgnoreCodes    []int             `yaml:"ignore_status_codes"`
	Headers        map[string]string `yaml:"headers"`
	MaxTrials      int               `yaml:"max_trials_per_operation"`
	ResultsDir     string            `yaml:"results_dir"`
	StatsDir       string            `yaml:"stats_dir"`
	Seed           int64             `yaml:"seed"` // 0 derives a seed from the clock
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	IgnoreDeclared bool              `yaml:"ignore_declared_codes"`
	NetFindings    bool              `yaml:"network_findings"`
}

// DefaultConfig returns the run defaults: 256 trials per operation,
// findings under ./results, a 30 second request timeout.
func DefaultConfig() Config {
	return Config{
		IgnoreCodes:    []int{},
		Headers:        map[string]string{},
		MaxTrials:      256,
		ResultsDir:     "results",
		TimeoutSeconds: 30,
	}
}

// Normalize validates the configuration and rewrites it into canonical
// form: the base URL loses any trailing slash (path templates carry the
// leading one), header keys are lower-cased and defaults fill in for
// unset fields.
func (c *Config) Normalize() error {
	if c.BaseURL == "" {
		return errors.New("missing base url")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid base url %q", c.BaseURL)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	headers := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	c.Headers = headers

	if c.MaxTrials <= 0 {
		c.MaxTrials = 256
	}
	if c.ResultsDir == "" {
		c.ResultsDir = "results"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	return nil
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoadConfig reads a YAML run configuration, layered over the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	file, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(file, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	return c, nil
}

// WriteConfigTemplate writes a starter configuration to path for the
// operator to fill in. Refuses to clobber an existing file.
func WriteConfigTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	c := DefaultConfig()
	c.SpecPath = "openapi.yml"
	c.BaseURL = "http://localhost:8080"
	encoded, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0644)
}
