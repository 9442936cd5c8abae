// Package config loads the per-run configuration record: which project to
// open, which prompts to send for every unit, and how patient to be with
// the remote UI.
//
// Config files are JSON or YAML. The required keys are project_link,
// initial_prompt, generation_prompts and text_to_be_replaced_by_video_number.
// A missing required key is reported as a *MissingKeyError and the run must
// not start.
//
// Example (YAML):
//
//	project_link: https://claude.ai/project/0123
//	initial_prompt: "Outline video VIDEO_NUMBER"
//	generation_prompts:
//	  - "Write chapter one"
//	  - "Write chapter two"
//	text_to_be_replaced_by_video_number: VIDEO_NUMBER
//	headless_mode: false
//	max_restarts: 10
//	timing:
//	  completion_ceiling: 20m
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Required keys every config file must define.
var requiredKeys = []string{
	"project_link",
	"initial_prompt",
	"generation_prompts",
	"text_to_be_replaced_by_video_number",
}

// Config is the immutable per-run record. It is loaded once and never mutated
// after Load returns.
type Config struct {
	ProjectLink         string   `yaml:"project_link" json:"project_link"`
	InitialPrompt       string   `yaml:"initial_prompt" json:"initial_prompt"`
	GenerationPrompts   []string `yaml:"generation_prompts" json:"generation_prompts"`
	PlaceholderToken    string   `yaml:"text_to_be_replaced_by_video_number" json:"text_to_be_replaced_by_video_number"`
	HeadlessMode        bool     `yaml:"headless_mode" json:"headless_mode"`
	CloseBrowserOnCrash bool     `yaml:"close_browser_on_crash" json:"close_browser_on_crash"`

	// Restart policy. MaxRestarts of 0 keeps restarting forever.
	MaxRestarts     int      `yaml:"max_restarts" json:"max_restarts"`
	RestartCooldown Duration `yaml:"restart_cooldown" json:"restart_cooldown"`

	Timing Timing `yaml:"timing" json:"timing"`

	// Selectors replaces the built-in selector variants of a named locator
	Selectors map[string][]string `yaml:"selectors" json:"selectors"`

	Site Site `yaml:"site" json:"site"`

	// Name is the config file name without extension. It scopes progress records.
	Name string `yaml:"-" json:"-"`

	// Path is where the config was loaded from
	Path string `yaml:"-" json:"-"`
}

// Timing bounds every wait performed against the remote UI.
type Timing struct {
	InputAttempts          int      `yaml:"input_attempts" json:"input_attempts"`
	SendAttempts           int      `yaml:"send_attempts" json:"send_attempts"`
	RetryBackoff           Duration `yaml:"retry_backoff" json:"retry_backoff"`
	TypingDelayMin         Duration `yaml:"typing_delay_min" json:"typing_delay_min"`
	TypingDelayMax         Duration `yaml:"typing_delay_max" json:"typing_delay_max"`
	IndicatorAppearTimeout Duration `yaml:"indicator_appear_timeout" json:"indicator_appear_timeout"`
	CompletionCeiling      Duration `yaml:"completion_ceiling" json:"completion_ceiling"`
	PollMin                Duration `yaml:"poll_min" json:"poll_min"`
	PollMax                Duration `yaml:"poll_max" json:"poll_max"`
	RateLimitCooldown      Duration `yaml:"rate_limit_cooldown" json:"rate_limit_cooldown"`
	ExtractionAttempts     int      `yaml:"extraction_attempts" json:"extraction_attempts"`
	MinChapterLength       int      `yaml:"min_chapter_length" json:"min_chapter_length"`
	CopySettle             Duration `yaml:"copy_settle" json:"copy_settle"`
}

// Site describes the target web assistant.
type Site struct {
	BaseURL string `yaml:"base_url" json:"base_url"`

	// AuthCheckURL is a route that only renders for a logged-in user
	AuthCheckURL string `yaml:"auth_check_url" json:"auth_check_url"`

	// LoginPatterns are glob patterns matched against the URL after the auth check
	LoginPatterns []string `yaml:"login_patterns" json:"login_patterns"`
}

// Domain returns the host of BaseURL without a www. prefix.
func (s Site) Domain() string {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// MissingKeyError reports a required key absent from a config file.
type MissingKeyError struct {
	Path string
	Key  string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("config %s: missing required key %q", e.Path, e.Key)
}

// DefaultConfig returns a configuration with every optional field set.
func DefaultConfig() *Config {
	return &Config{
		CloseBrowserOnCrash: true,
		RestartCooldown:     Duration{60 * time.Second},
		Timing:              DefaultTiming(),
		Site:                DefaultSite(),
	}
}

// DefaultTiming returns the standard bounds for UI waits.
func DefaultTiming() Timing {
	return Timing{
		InputAttempts:          5,
		SendAttempts:           5,
		RetryBackoff:           Duration{2 * time.Second},
		TypingDelayMin:         Duration{20 * time.Millisecond},
		TypingDelayMax:         Duration{80 * time.Millisecond},
		IndicatorAppearTimeout: Duration{60 * time.Second},
		CompletionCeiling:      Duration{900 * time.Second},
		PollMin:                Duration{1 * time.Second},
		PollMax:                Duration{3 * time.Second},
		RateLimitCooldown:      Duration{5 * time.Minute},
		ExtractionAttempts:     3,
		MinChapterLength:       10,
		CopySettle:             Duration{1 * time.Second},
	}
}

// DefaultSite targets claude.ai.
func DefaultSite() Site {
	return Site{
		BaseURL:       "https://claude.ai",
		AuthCheckURL:  "https://claude.ai/recents",
		LoginPatterns: []string{"*/login*", "*/logout*"},
	}
}

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, formatFor(path))
	if err != nil {
		var missing *MissingKeyError
		if errors.As(err, &missing) {
			missing.Path = path
			return nil, missing
		}
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Path = path
	cfg.Name = NameFromPath(path)
	return cfg, nil
}

// Format identifies a config file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// NameFromPath returns the file name of path without its extension.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Parse decodes data, applies defaults and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	var keys map[string]any
	if err := unmarshal(data, format, &keys); err != nil {
		return nil, err
	}
	for _, key := range requiredKeys {
		if _, ok := keys[key]; !ok {
			return nil, &MissingKeyError{Key: key}
		}
	}

	cfg := DefaultConfig()
	if err := unmarshal(data, format, cfg); err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(data []byte, format Format, v any) error {
	if format == FormatYAML {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// fillDefaults restores defaults for nested values zeroed by a partial section.
func (c *Config) fillDefaults() {
	def := DefaultTiming()
	t := &c.Timing
	setInt(&t.InputAttempts, def.InputAttempts)
	setInt(&t.SendAttempts, def.SendAttempts)
	setInt(&t.ExtractionAttempts, def.ExtractionAttempts)
	setInt(&t.MinChapterLength, def.MinChapterLength)
	setDuration(&t.RetryBackoff, def.RetryBackoff)
	setDuration(&t.TypingDelayMin, def.TypingDelayMin)
	setDuration(&t.TypingDelayMax, def.TypingDelayMax)
	setDuration(&t.IndicatorAppearTimeout, def.IndicatorAppearTimeout)
	setDuration(&t.CompletionCeiling, def.CompletionCeiling)
	setDuration(&t.PollMin, def.PollMin)
	setDuration(&t.PollMax, def.PollMax)
	setDuration(&t.RateLimitCooldown, def.RateLimitCooldown)
	setDuration(&t.CopySettle, def.CopySettle)

	site := DefaultSite()
	if c.Site.BaseURL == "" {
		c.Site.BaseURL = site.BaseURL
	}
	if c.Site.AuthCheckURL == "" {
		c.Site.AuthCheckURL = strings.TrimRight(c.Site.BaseURL, "/") + "/recents"
	}
	if len(c.Site.LoginPatterns) == 0 {
		c.Site.LoginPatterns = site.LoginPatterns
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *Duration, def Duration) {
	if v.Duration == 0 {
		*v = def
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	u, err := url.Parse(c.ProjectLink)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("project_link must be an http(s) URL, got %q", c.ProjectLink)
	}

	if strings.TrimSpace(c.InitialPrompt) == "" {
		return fmt.Errorf("initial_prompt cannot be empty")
	}

	if c.PlaceholderToken == "" {
		return fmt.Errorf("text_to_be_replaced_by_video_number cannot be empty")
	}

	for i, prompt := range c.GenerationPrompts {
		if strings.TrimSpace(prompt) == "" {
			return fmt.Errorf("generation_prompts[%d] cannot be empty", i)
		}
	}

	if c.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts cannot be negative")
	}
	if c.RestartCooldown.Duration < 0 {
		return fmt.Errorf("restart_cooldown cannot be negative")
	}

	if c.Timing.TypingDelayMax.Duration < c.Timing.TypingDelayMin.Duration {
		return fmt.Errorf("timing.typing_delay_max must not be below typing_delay_min")
	}
	if c.Timing.PollMax.Duration < c.Timing.PollMin.Duration {
		return fmt.Errorf("timing.poll_max must not be below poll_min")
	}

	if c.Site.Domain() == "" {
		return fmt.Errorf("site.base_url must be an absolute URL, got %q", c.Site.BaseURL)
	}

	for name, variants := range c.Selectors {
		if len(variants) == 0 {
			return fmt.Errorf("selectors.%s must list at least one selector", name)
		}
	}

	return nil
}

// Warnings lists soft problems that do not stop a run.
func (c *Config) Warnings() []string {
	var warnings []string
	if !strings.Contains(c.InitialPrompt, c.PlaceholderToken) {
		warnings = append(warnings, fmt.Sprintf("initial_prompt does not contain %q; every unit gets the same prompt", c.PlaceholderToken))
	}
	if len(c.GenerationPrompts) == 0 {
		warnings = append(warnings, "generation_prompts is empty; only the initial prompt is sent")
	}
	return warnings
}

// PromptFor returns the initial prompt with the placeholder replaced by unit.
func (c *Config) PromptFor(unit int) string {
	return strings.ReplaceAll(c.InitialPrompt, c.PlaceholderToken, strconv.Itoa(unit))
}

// Duration is a time.Duration that decodes from "90s"-style strings or from
// a number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.parse(s)
	}

	var seconds float64
	if err := json.Unmarshal(b, &seconds); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	d.Duration = time.Duration(seconds * float64(time.Second))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" || value.Tag == "!!float" {
		var seconds float64
		if err := value.Decode(&seconds); err != nil {
			return err
		}
		d.Duration = time.Duration(seconds * float64(time.Second))
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
