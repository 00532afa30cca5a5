// Package config loads refanalyzer settings from a YAML file, an optional
// .env file and REFANALYZER_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"refanalyzer/analyzer"
	"refanalyzer/markup"
	"refanalyzer/pipeline"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REFANALYZER_"

// FileNames are looked up, in order, by LoadConfigFromDir.
var FileNames = []string{".refanalyzer.yaml", ".refanalyzer.yml", "refanalyzer.yaml", "refanalyzer.yml"}

// Config holds the settings of a run.
type Config struct {
	StopOnCompileErrors bool              `yaml:"stop_on_compile_errors"`
	BuildProperties     map[string]string `yaml:"build_properties"`
	Slots               int               `yaml:"slots"`
	OutputDir           string            `yaml:"output_dir"`
	MarkupPatterns      []string          `yaml:"markup_patterns"`
	IgnorePrefixes      []string          `yaml:"ignore_prefixes"`
	Parallelism         int               `yaml:"parallelism"`
	MetricsAddr         string            `yaml:"metrics_addr"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		BuildProperties: make(map[string]string),
		Slots:           pipeline.DefaultSlots,
		MarkupPatterns:  append([]string(nil), markup.DefaultPatterns...),
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if config.BuildProperties == nil {
		config.BuildProperties = make(map[string]string)
	}
	return config, nil
}

// LoadConfigFromDir reads the first of FileNames found in dir, or returns
// the defaults when there is none.
func LoadConfigFromDir(dir string) (*Config, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadConfig(path)
		}
	}
	return DefaultConfig(), nil
}

// Load builds the configuration of a run rooted at dir. An explicit path
// must exist; otherwise dir is searched. The .env file in dir, if any, is
// loaded into the process environment before overrides are applied.
func Load(dir, path string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var (
		config *Config
		err    error
	)
	if path != "" {
		config, err = LoadConfig(path)
	} else {
		config, err = LoadConfigFromDir(dir)
	}
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return config, config.Validate()
}

// ApplyEnv overrides settings from REFANALYZER_* variables. Lists are
// comma separated; build properties are comma separated key=value pairs
// merged over the configured ones.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	get := func(name string) string {
		return strings.TrimSpace(getenv(EnvPrefix + name))
	}

	if v := get("STOP_ON_COMPILE_ERRORS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSTOP_ON_COMPILE_ERRORS: %w", EnvPrefix, err)
		}
		c.StopOnCompileErrors = b
	}
	if v := get("SLOTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSLOTS: %w", EnvPrefix, err)
		}
		c.Slots = n
	}
	if v := get("PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPARALLELISM: %w", EnvPrefix, err)
		}
		c.Parallelism = n
	}
	if v := get("BUILD_PROPERTIES"); v != "" {
		props, err := ParseProperties(splitList(v))
		if err != nil {
			return fmt.Errorf("%sBUILD_PROPERTIES: %w", EnvPrefix, err)
		}
		for k, val := range props {
			c.BuildProperties[k] = val
		}
	}
	if v := get("OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := get("MARKUP_PATTERNS"); v != "" {
		c.MarkupPatterns = splitList(v)
	}
	if v := get("IGNORE_PREFIXES"); v != "" {
		c.IgnorePrefixes = splitList(v)
	}
	if v := get("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ParseProperties parses key=value pairs.
func ParseProperties(pairs []string) (map[string]string, error) {
	props := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q, want key=value", p)
		}
		props[k] = strings.TrimSpace(v)
	}
	return props, nil
}

func (c *Config) Validate() error {
	if c.Slots < 1 {
		return fmt.Errorf("slots must be at least 1, got %d", c.Slots)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism)
	}
	if len(c.MarkupPatterns) == 0 {
		return errors.New("at least one markup pattern is required")
	}
	return nil
}

// AnalyzerConfig returns the analysis policy part of the configuration.
func (c *Config) AnalyzerConfig() analyzer.Config {
	return analyzer.Config{
		StopOnCompileErrors: c.StopOnCompileErrors,
		BuildProperties:     c.BuildProperties,
		OutputDir:           c.OutputDir,
		MarkupPatterns:      c.MarkupPatterns,
		IgnorePrefixes:      c.IgnorePrefixes,
		Parallelism:         c.Parallelism,
	}
}
