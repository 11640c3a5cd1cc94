package knobs

import (
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

const suggestionThreshold = 0.6

// Catalog lists the knobs the agent is allowed to write and the unit each
// value is expressed in.
type Catalog struct {
	order []string
	units map[string]string
}

type catalogFile struct {
	Knobs []struct {
		Name string `yaml:"name"`
		Unit string `yaml:"unit"`
	} `yaml:"knobs"`
}

// UnknownKnobError is returned for knob names missing from the catalog.
type UnknownKnobError struct {
	Name       string
	Suggestion string
}

func (e *UnknownKnobError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown knob %q (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("unknown knob %q", e.Name)
}

var (
	defaultCatalog     *Catalog
	defaultCatalogErr  error
	defaultCatalogOnce sync.Once
)

// DefaultCatalog returns the embedded PostgreSQL knob catalog.
func DefaultCatalog() (*Catalog, error) {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = ParseCatalog(catalogYAML)
	})
	return defaultCatalog, defaultCatalogErr
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse knob catalog: %w", err)
	}
	c := &Catalog{units: make(map[string]string, len(file.Knobs))}
	for _, k := range file.Knobs {
		name := strings.TrimSpace(k.Name)
		if name == "" {
			return nil, fmt.Errorf("parse knob catalog: empty knob name")
		}
		if _, dup := c.units[name]; dup {
			return nil, fmt.Errorf("parse knob catalog: duplicate knob %q", name)
		}
		c.order = append(c.order, name)
		c.units[name] = strings.TrimSpace(k.Unit)
	}
	return c, nil
}

// Names returns catalog knob names in declaration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// Unit returns the unit suffix for a knob.
func (c *Catalog) Unit(name string) (string, error) {
	unit, ok := c.units[name]
	if !ok {
		return "", &UnknownKnobError{Name: name, Suggestion: c.Suggest(name)}
	}
	return unit, nil
}

// Suggest returns the closest catalog knob name, or "" when nothing is
// similar enough.
func (c *Catalog) Suggest(name string) string {
	lev := metrics.NewLevenshtein()
	best, bestScore := "", 0.0
	for _, candidate := range c.order {
		score := strutil.Similarity(strings.ToLower(name), candidate, lev)
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}
	if bestScore < suggestionThreshold {
		return ""
	}
	return best
}

// Annotate returns a copy of cfg with each knob's unit filled from the
// catalog. Every knob must be known.
func (c *Catalog) Annotate(cfg *Configuration) (*Configuration, error) {
	out := &Configuration{}
	for _, k := range cfg.Knobs() {
		unit, err := c.Unit(k.Name)
		if err != nil {
			return nil, err
		}
		k.Unit = unit
		out.put(k)
	}
	return out, nil
}

var pgUnitFactors = map[string]float64{
	"B":   1.0 / 1024,
	"kB":  1,
	"8kB": 8,
	"MB":  1024,
	"GB":  1024 * 1024,
	"TB":  1024 * 1024 * 1024,
	"s":   1.0 / 60,
}

// NormalizeSetting converts a pg_settings (setting, unit) pair into the
// catalog's units: memory in kB, time in minutes. Settings that are not
// integers, or carry an unknown unit, are returned unchanged.
func NormalizeSetting(setting, unit string) string {
	setting = strings.TrimSpace(setting)
	factor, ok := pgUnitFactors[strings.TrimSpace(unit)]
	if !ok {
		return setting
	}
	n, err := strconv.ParseInt(setting, 10, 64)
	if err != nil {
		return setting
	}
	return strconv.FormatInt(int64(math.Trunc(float64(n)*factor)), 10)
}
