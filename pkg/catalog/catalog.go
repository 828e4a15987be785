// Package catalog provides the report catalog that supplies work items to the
// batch scoring orchestrator, and the scope resolver that turns a UI selection
// into an ordered list of scorable items.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkItem is one report to be scored. It is immutable once resolved.
type WorkItem struct {
	// ID is the catalog identity of the report (also the ItemEntry key).
	ID string `json:"id" yaml:"id"`

	// ExternalKey is the key the scoring service knows the document by.
	// Items without it cannot be scored.
	ExternalKey string `json:"externalKey" yaml:"external_key"`

	DisplayName string `json:"displayName" yaml:"display_name"`
	Year        int    `json:"year" yaml:"year"`
}

// UnmarshalYAML accepts the snake_case keys of YAML catalogs as well as the
// camelCase keys WorkItem uses in JSON, so JSON catalogs exported from the
// API load through the same decoder.
func (w *WorkItem) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ID               string `yaml:"id"`
		ExternalKey      string `yaml:"external_key"`
		ExternalKeyCamel string `yaml:"externalKey"`
		DisplayName      string `yaml:"display_name"`
		DisplayNameCamel string `yaml:"displayName"`
		Year             int    `yaml:"year"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	*w = WorkItem{
		ID:          raw.ID,
		ExternalKey: firstNonEmpty(raw.ExternalKey, raw.ExternalKeyCamel),
		DisplayName: firstNonEmpty(raw.DisplayName, raw.DisplayNameCamel),
		Year:        raw.Year,
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Scorable reports whether the item carries every key the scoring service needs.
func (w WorkItem) Scorable() bool {
	return strings.TrimSpace(w.ID) != "" && strings.TrimSpace(w.ExternalKey) != ""
}

// Catalog is an ordered, id-indexed set of reports.
type Catalog struct {
	items []WorkItem
	index map[string]int
}

// New builds a catalog from items. Later duplicates of an id are ignored.
func New(items []WorkItem) *Catalog {
	c := &Catalog{
		items: make([]WorkItem, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for _, item := range items {
		if _, dup := c.index[item.ID]; dup {
			continue
		}
		c.index[item.ID] = len(c.items)
		c.items = append(c.items, item)
	}
	return c
}

type catalogFile struct {
	Reports []WorkItem `yaml:"reports"`
}

// Load reads a catalog file. YAML and JSON are both accepted, with item keys
// in either snake_case or camelCase.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	return New(file.Reports), nil
}

// Len returns the number of reports in the catalog.
func (c *Catalog) Len() int {
	return len(c.items)
}

// All returns the reports in catalog order.
func (c *Catalog) All() []WorkItem {
	out := make([]WorkItem, len(c.items))
	copy(out, c.items)
	return out
}

// Get returns the report with the given id.
func (c *Catalog) Get(id string) (WorkItem, bool) {
	i, ok := c.index[id]
	if !ok {
		return WorkItem{}, false
	}
	return c.items[i], true
}

// Lookup returns the reports for ids in the order given, skipping unknown ids.
func (c *Catalog) Lookup(ids []string) []WorkItem {
	out := make([]WorkItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := c.Get(id); ok {
			out = append(out, item)
		}
	}
	return out
}
