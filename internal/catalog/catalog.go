// Package catalog describes the kernel settings bigmem manages.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSetting is returned when a key is not in the catalog.
var ErrUnknownSetting = errors.New("unknown setting")

// Default setting: the uacma "bigmem" switch.
const (
	BigmemKey  = "bigmem"
	BigmemPath = "/sys/kernel/uacma/enable"
)

// Setting binds a preference key to a kernel attribute.
type Setting struct {
	Key           string   `yaml:"key" json:"key"`
	Path          string   `yaml:"path" json:"path"`
	Title         string   `yaml:"title,omitempty" json:"title,omitempty"`
	Values        []string `yaml:"values,omitempty" json:"values,omitempty"`
	FailedTitle   string   `yaml:"failed_title,omitempty" json:"failed_title,omitempty"`
	FailedMessage string   `yaml:"failed_message,omitempty" json:"failed_message,omitempty"`
}

// Allows reports whether value is acceptable. An empty Values list accepts anything.
func (s Setting) Allows(value string) bool {
	return len(s.Values) == 0 || slices.Contains(s.Values, value)
}

// PromptTitle returns the retry prompt title, with a generic fallback.
func (s Setting) PromptTitle() string {
	if s.FailedTitle != "" {
		return s.FailedTitle
	}
	return fmt.Sprintf("Unable to change %s", s.displayName())
}

// PromptMessage returns the retry prompt body, with a generic fallback.
func (s Setting) PromptMessage() string {
	if s.FailedMessage != "" {
		return s.FailedMessage
	}
	return "The kernel did not accept the new value. Try again?"
}

func (s Setting) displayName() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Key
}

// Bigmem is the built-in uacma entry.
func Bigmem() Setting {
	return Setting{
		Key:           BigmemKey,
		Path:          BigmemPath,
		Title:         "Bigmem",
		Values:        []string{"0", "1"},
		FailedTitle:   "Unable to change bigmem",
		FailedMessage: "The kernel could not reserve the contiguous memory region. Try again?",
	}
}

// Catalog is an immutable set of settings keyed by Setting.Key.
type Catalog struct {
	settings map[string]Setting
}

type document struct {
	Settings []Setting `yaml:"settings"`
}

// New builds a catalog from the built-in entries plus extra. Entries in
// extra replace built-ins with the same key.
func New(extra ...Setting) (*Catalog, error) {
	c := &Catalog{settings: map[string]Setting{BigmemKey: Bigmem()}}
	for _, s := range extra {
		if s.Key == "" {
			return nil, fmt.Errorf("setting with path %q has no key", s.Path)
		}
		if s.Path == "" {
			return nil, fmt.Errorf("setting %q has no path", s.Key)
		}
		c.settings[s.Key] = s
	}
	return c, nil
}

// Parse decodes a YAML catalog document and merges it over the built-ins.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	seen := make(map[string]bool, len(doc.Settings))
	for _, s := range doc.Settings {
		if seen[s.Key] {
			return nil, fmt.Errorf("duplicate setting %q in catalog", s.Key)
		}
		seen[s.Key] = true
	}
	return New(doc.Settings...)
}

// Load reads a YAML catalog file. An empty path yields the built-ins only.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return New()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Get returns the setting for key.
func (c *Catalog) Get(key string) (Setting, error) {
	s, ok := c.settings[key]
	if !ok {
		return Setting{}, fmt.Errorf("%q: %w", key, ErrUnknownSetting)
	}
	return s, nil
}

// List returns all settings sorted by key.
func (c *Catalog) List() []Setting {
	out := make([]Setting, 0, len(c.settings))
	for _, s := range c.settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Marshal renders the catalog as YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(document{Settings: c.List()})
}
