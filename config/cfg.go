package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/rupor-github/gencfg"
)

//go:embed config.yaml.tmpl
var ConfigTmpl []byte

type (
	TemplateFieldName string

	BrowserConfig struct {
		ExecPath        string        `yaml:"exec_path"`
		Headless        bool          `yaml:"headless"`
		WaitSelector    string        `yaml:"wait_selector"`
		WaitNetworkIdle time.Duration `yaml:"wait_network_idle" validate:"gte=0"`
		AfterLoad       time.Duration `yaml:"after_load" validate:"gte=0"`
		Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
		ViewportWidth   int           `yaml:"viewport_width" validate:"min=320"`
		ViewportHeight  int           `yaml:"viewport_height" validate:"min=240"`
	}

	CaptureConfig struct {
		Mode    string        `yaml:"mode" validate:"oneof=http browser"`
		Browser BrowserConfig `yaml:"browser"`
	}

	FetchConfig struct {
		UserAgent   string            `yaml:"user_agent"`
		Headers     map[string]string `yaml:"headers"`
		Timeout     time.Duration     `yaml:"timeout" validate:"gt=0"`
		MaxBytes    int64             `yaml:"max_bytes" validate:"gte=0"`
		MaxInFlight int               `yaml:"max_in_flight" validate:"min=1,max=64"`
	}

	StylesheetConfig struct {
		Rewriter string `yaml:"rewriter" validate:"oneof=pattern lexer"`
	}

	OutputConfig struct {
		Dir           string `yaml:"dir"`
		NameTemplate  string `yaml:"name_template"`
		Transliterate bool   `yaml:"transliterate"`
	}

	ServerConfig struct {
		Listen       string        `yaml:"listen" validate:"required"`
		ReleaseAfter time.Duration `yaml:"release_after" validate:"gt=0"`
		SessionTTL   time.Duration `yaml:"session_ttl" validate:"gt=0"`
		SitesDir     string        `yaml:"sites_dir"`
	}

	TriggerConfig struct {
		Server  string        `yaml:"server" validate:"required,url"`
		Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	}

	Config struct {
		Version    int              `yaml:"version" validate:"eq=1"`
		Capture    CaptureConfig    `yaml:"capture"`
		Fetch      FetchConfig      `yaml:"fetch"`
		Stylesheet StylesheetConfig `yaml:"stylesheet"`
		Output     OutputConfig     `yaml:"output"`
		Server     ServerConfig     `yaml:"server"`
		Trigger    TriggerConfig    `yaml:"trigger"`
		Logging    LoggingConfig    `yaml:"logging"`
	}
)

const (
	// NOTE: must match yaml field name above
	NameTemplateFieldName TemplateFieldName = "name_template"
)

var requiredOptions = append([]func(*gencfg.ProcessingOptions){},
	gencfg.WithDoNotExpandField(string(NameTemplateFieldName)),
)

func unmarshalConfig(data []byte, cfg *Config, process bool) (*Config, error) {
	// only fields we defined are accepted, so no yaml.Unmarshal here
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration data: %w", err)
	}
	if process {
		if err := gencfg.Sanitize(cfg); err != nil {
			return nil, err
		}
		if err := gencfg.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadConfiguration reads the configuration from the file at the given path,
// superimposes its values on top of the expanded configuration template and
// validates the result. An empty path yields the defaults.
func LoadConfiguration(path string, options ...func(*gencfg.ProcessingOptions)) (*Config, error) {
	haveFile := len(path) > 0

	data, err := gencfg.Process(ConfigTmpl, append(requiredOptions, options...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration template: %w", err)
	}
	cfg, err := unmarshalConfig(data, &Config{}, !haveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration template: %w", err)
	}
	if !haveFile {
		return cfg, nil
	}

	data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err = unmarshalConfig(data, cfg, haveFile)
	if err != nil {
		return nil, fmt.Errorf("failed to process configuration file: %w", err)
	}
	return cfg, nil
}

// Prepare generates configuration file from template and returns it as a byte
// slice.
func Prepare() ([]byte, error) {
	return gencfg.Process(ConfigTmpl, requiredOptions...)
}

func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to yaml: %v", err)
	}
	return data, nil
}
