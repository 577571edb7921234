// Package catalog maps human service names to per-vendor service codes and
// answers fuzzy name searches.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"

	"github.com/aelexs/numberbroker/internal/domain"
)

// DefaultThreshold is the minimum similarity score (0-100) for a fuzzy match.
const DefaultThreshold = 80

//go:embed menu.json
var defaultMenu []byte

// codeFields maps menu JSON fields to the vendor names used by the
// provider registry.
var codeFields = map[string]string{
	"fastCode":  "Fast",
	"tigerCode": "Tiger",
	"bowerCode": "Bower",
	"fiveCode":  "5Sim",
}

// Match is one search candidate.
type Match struct {
	Name       string
	Similarity float64
}

// Catalog is an immutable service menu. Safe for concurrent use.
type Catalog struct {
	services  map[string]map[string]string
	names     []string
	threshold float64
}

// Load parses a menu of the form {"Telegram": {"fastCode": "tg", ...}}.
// Empty codes are treated as "vendor does not offer this service".
func Load(r io.Reader) (*Catalog, error) {
	var raw map[string]map[string]string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("catalog: decode menu: %w", err)
	}

	c := &Catalog{
		services:  make(map[string]map[string]string, len(raw)),
		threshold: DefaultThreshold,
	}
	for name, fields := range raw {
		if name == "" {
			return nil, fmt.Errorf("catalog: empty service name: %w", domain.ErrInvalidInput)
		}
		codes := make(map[string]string, len(fields))
		for field, code := range fields {
			vendor, ok := codeFields[field]
			if !ok || code == "" {
				continue
			}
			codes[vendor] = code
		}
		c.services[name] = codes
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)
	return c, nil
}

// LoadFile loads a menu from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the menu compiled into the binary.
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultMenu))
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve returns the vendor→code map for service. The returned map is a
// copy. ok is false for unknown services.
func (c *Catalog) Resolve(service string) (map[string]string, bool) {
	codes, ok := c.services[service]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(codes))
	for k, v := range codes {
		out[k] = v
	}
	return out, true
}

// Names returns every service name in lexical order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Search ranks services by similarity to term. A name matches when its
// similarity reaches the threshold or when it contains term. Results are
// ordered by similarity descending, then by name. ok is false when nothing
// matched.
func (c *Catalog) Search(term string) ([]Match, bool) {
	query := strings.ToLower(strings.TrimSpace(term))
	qlen := utf8.RuneCountInString(query)
	if qlen == 0 {
		return nil, false
	}

	var matches []Match
	for _, name := range c.names {
		lower := strings.ToLower(name)
		dist := levenshtein.Distance(query, lower, nil)
		sim := float64(qlen-dist) / float64(qlen) * 100
		if sim >= c.threshold || strings.Contains(lower, query) {
			matches = append(matches, Match{Name: name, Similarity: sim})
		}
	}
	if len(matches) == 0 {
		return nil, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	return matches, true
}
