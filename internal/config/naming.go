package config

import (
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultNamingMaxRetries = 3
	DefaultNamingTimeout    = 5000 * time.Millisecond
	DefaultTimezone         = "UTC"
	DefaultMinNameLength    = 1
	DefaultMaxNameLength    = 255
)

// TemplateConfig is one display-name template.
type TemplateConfig struct {
	Pattern   string            `yaml:"pattern"`
	Fallbacks map[string]string `yaml:"fallbacks"`
}

// NamingConfig is the fully resolved name resolver configuration. It is a
// plain value passed to naming.New.
type NamingConfig struct {
	MaxRetries      int
	Timeout         time.Duration
	DefaultTimezone string
	MinLength       int
	MaxLength       int
	Templates       map[string]TemplateConfig
}

// NamingOverride is a partial naming configuration as read from YAML or the
// environment. Nil fields leave the base value untouched.
type NamingOverride struct {
	MaxRetries      *int                      `yaml:"maxRetries"`
	TimeoutMs       *int                      `yaml:"timeoutMs"`
	DefaultTimezone *string                   `yaml:"defaultTimezone"`
	MinLength       *int                      `yaml:"minLength"`
	MaxLength       *int                      `yaml:"maxLength"`
	Templates       map[string]TemplateConfig `yaml:"templates"`

	// Unparsed holds the raw text of numeric fields the file could not
	// decode, keyed by YAML field name. MergeNaming reports them.
	Unparsed map[string]string `yaml:"-"`
}

// UnmarshalYAML decodes numeric fields one at a time so a single bad value
// such as "maxRetries: three" does not discard the rest of the file.
func (o *NamingOverride) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries      yaml.Node                 `yaml:"maxRetries"`
		TimeoutMs       yaml.Node                 `yaml:"timeoutMs"`
		DefaultTimezone *string                   `yaml:"defaultTimezone"`
		MinLength       yaml.Node                 `yaml:"minLength"`
		MaxLength       yaml.Node                 `yaml:"maxLength"`
		Templates       map[string]TemplateConfig `yaml:"templates"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	o.DefaultTimezone = raw.DefaultTimezone
	o.Templates = raw.Templates

	fields := []struct {
		name string
		node *yaml.Node
		dst  **int
	}{
		{"maxRetries", &raw.MaxRetries, &o.MaxRetries},
		{"timeoutMs", &raw.TimeoutMs, &o.TimeoutMs},
		{"minLength", &raw.MinLength, &o.MinLength},
		{"maxLength", &raw.MaxLength, &o.MaxLength},
	}
	for _, f := range fields {
		if f.node.Kind == 0 || f.node.Tag == "!!null" {
			continue
		}
		var n int
		if err := f.node.Decode(&n); err != nil {
			if o.Unparsed == nil {
				o.Unparsed = make(map[string]string)
			}
			o.Unparsed[f.name] = f.node.Value
			continue
		}
		*f.dst = &n
	}
	return nil
}

// DefaultNaming returns the built-in templates and limits.
func DefaultNaming() NamingConfig {
	return NamingConfig{
		MaxRetries:      DefaultNamingMaxRetries,
		Timeout:         DefaultNamingTimeout,
		DefaultTimezone: DefaultTimezone,
		MinLength:       DefaultMinNameLength,
		MaxLength:       DefaultMaxNameLength,
		Templates: map[string]TemplateConfig{
			"bag": {
				Pattern: "{ownerDisplayName}'s {beanName} {roastDate}",
				Fallbacks: map[string]string{
					"ownerDisplayName": "Anonymous",
					"beanName":         "Unknown Bean",
					"roastDate":        "Unknown Roast",
				},
			},
			"brew": {
				Pattern: "{bagName} by {baristaName} on {brewDate}",
				Fallbacks: map[string]string{
					"bagName":     "Unknown Bag",
					"baristaName": "Anonymous",
					"brewDate":    "Undated",
				},
			},
			"barista": {
				Pattern: "{firstName} {lastName}",
				Fallbacks: map[string]string{
					"firstName": "Anonymous",
					"lastName":  "Barista",
				},
			},
		},
	}
}

// LoadNamingFile reads a YAML naming override.
func LoadNamingFile(path string) (NamingOverride, error) {
	var o NamingOverride

	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("failed to read naming config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("failed to parse naming config %s: %w", path, err)
	}
	return o, nil
}

// MergeNaming applies o on top of base and returns the result together with
// a warning for every override that was rejected. Rejected values keep the
// base value. base is not modified.
func MergeNaming(base NamingConfig, o NamingOverride) (NamingConfig, []string) {
	var warnings []string
	reject := func(field string, value any, reason string) {
		warnings = append(warnings, fmt.Sprintf("naming.%s=%v %s", field, value, reason))
	}

	out := base
	out.Templates = maps.Clone(base.Templates)
	if out.Templates == nil {
		out.Templates = map[string]TemplateConfig{}
	}

	kept := map[string]string{
		"maxRetries": fmt.Sprint(base.MaxRetries),
		"timeoutMs":  fmt.Sprint(base.Timeout.Milliseconds()),
		"minLength":  fmt.Sprint(base.MinLength),
		"maxLength":  fmt.Sprint(base.MaxLength),
	}
	for _, field := range []string{"maxRetries", "timeoutMs", "minLength", "maxLength"} {
		if raw, ok := o.Unparsed[field]; ok {
			reject(field, raw, "is not an integer, keeping "+kept[field])
		}
	}

	if o.MaxRetries != nil {
		if *o.MaxRetries < 0 {
			reject("maxRetries", *o.MaxRetries, fmt.Sprintf("is negative, keeping %d", base.MaxRetries))
		} else {
			out.MaxRetries = *o.MaxRetries
		}
	}

	if o.TimeoutMs != nil {
		if *o.TimeoutMs <= 0 {
			reject("timeoutMs", *o.TimeoutMs, fmt.Sprintf("is not positive, keeping %d", base.Timeout.Milliseconds()))
		} else {
			out.Timeout = time.Duration(*o.TimeoutMs) * time.Millisecond
		}
	}

	if o.DefaultTimezone != nil {
		tz := strings.TrimSpace(*o.DefaultTimezone)
		if _, err := time.LoadLocation(tz); err != nil || tz == "" {
			reject("defaultTimezone", *o.DefaultTimezone, "is not a known location, keeping "+base.DefaultTimezone)
		} else {
			out.DefaultTimezone = tz
		}
	}

	minLen, maxLen := out.MinLength, out.MaxLength
	if o.MinLength != nil {
		minLen = *o.MinLength
	}
	if o.MaxLength != nil {
		maxLen = *o.MaxLength
	}
	if minLen < 1 || maxLen < minLen {
		reject("length", fmt.Sprintf("[%d,%d]", minLen, maxLen), fmt.Sprintf("is not a valid range, keeping [%d,%d]", out.MinLength, out.MaxLength))
	} else {
		out.MinLength, out.MaxLength = minLen, maxLen
	}

	for name, tmpl := range o.Templates {
		merged, ok := out.Templates[name]
		if !ok {
			merged = TemplateConfig{}
		}
		if tmpl.Pattern != "" {
			merged.Pattern = tmpl.Pattern
		}
		fallbacks := maps.Clone(merged.Fallbacks)
		if fallbacks == nil {
			fallbacks = map[string]string{}
		}
		maps.Copy(fallbacks, tmpl.Fallbacks)
		merged.Fallbacks = fallbacks
		out.Templates[name] = merged
	}

	return out, warnings
}
