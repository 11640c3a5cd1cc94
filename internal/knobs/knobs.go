// Package knobs models PostgreSQL configurations as ordered knob lists and
// renders them into the override file the agent installs.
package knobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Knob is a single tunable parameter. Value keeps the wire representation
// (numbers as their decimal text); Unit is filled from the catalog.
type Knob struct {
	Name  string
	Value string
	Unit  string
}

// Configuration is an ordered knob-name to value mapping. Once a
// configuration has been measured it is treated as immutable; use Clone or
// Annotate to derive a new one.
type Configuration struct {
	knobs []Knob
}

// New builds a configuration from knobs in the given order. Later
// duplicates replace earlier ones in place.
func New(knobs ...Knob) *Configuration {
	c := &Configuration{knobs: make([]Knob, 0, len(knobs))}
	for _, k := range knobs {
		c.put(k)
	}
	return c
}

func (c *Configuration) put(k Knob) {
	k.Name = strings.TrimSpace(k.Name)
	for i := range c.knobs {
		if c.knobs[i].Name == k.Name {
			c.knobs[i] = k
			return
		}
	}
	c.knobs = append(c.knobs, k)
}

// Len reports the number of knobs. A nil configuration has none.
func (c *Configuration) Len() int {
	if c == nil {
		return 0
	}
	return len(c.knobs)
}

// Knobs returns a copy of the knobs in order.
func (c *Configuration) Knobs() []Knob {
	if c == nil {
		return nil
	}
	return append([]Knob(nil), c.knobs...)
}

// Get looks a knob up by name.
func (c *Configuration) Get(name string) (Knob, bool) {
	if c == nil {
		return Knob{}, false
	}
	for _, k := range c.knobs {
		if k.Name == name {
			return k, true
		}
	}
	return Knob{}, false
}

// Names returns knob names in order.
func (c *Configuration) Names() []string {
	out := make([]string, 0, c.Len())
	for _, k := range c.Knobs() {
		out = append(out, k.Name)
	}
	return out
}

// Clone returns an independent copy.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}
	return &Configuration{knobs: c.Knobs()}
}

// Equal reports whether both configurations assign the same values to the
// same knobs. Order and units are ignored; numeric values compare by value
// so "131072" equals "131072.0".
func (c *Configuration) Equal(other *Configuration) bool {
	if c.Len() != other.Len() {
		return false
	}
	for _, k := range c.Knobs() {
		o, ok := other.Get(k.Name)
		if !ok || !valuesEqual(k.Value, o.Value) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return true
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	return errA == nil && errB == nil && fa == fb
}

// String renders "name=value unit" pairs for logs.
func (c *Configuration) String() string {
	parts := make([]string, 0, c.Len())
	for _, k := range c.Knobs() {
		parts = append(parts, k.Name+"="+k.Value+k.Unit)
	}
	return strings.Join(parts, ", ")
}

// MarshalJSON writes the knobs as a JSON object in configuration order.
// Numeric values are emitted as numbers, everything else as strings.
func (c *Configuration) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.knobs {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		if isJSONNumber(k.Value) {
			buf.WriteString(k.Value)
			continue
		}
		value, err := json.Marshal(k.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a flat JSON object, keeping the key order of the
// payload.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("knobs: %w", err)
	}
	if tok == nil {
		c.knobs = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("knobs: expected object, got %v", tok)
	}

	out := &Configuration{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("knobs: %w", err)
		}
		name, _ := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("knobs: value for %q: %w", name, err)
		}
		value, err := scalarValue(raw)
		if err != nil {
			return fmt.Errorf("knobs: value for %q: %w", name, err)
		}
		out.put(Knob{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("knobs: %w", err)
	}
	c.knobs = out.knobs
	return nil
}

func isJSONNumber(v string) bool {
	if v == "" || !strings.ContainsRune("-0123456789", rune(v[0])) {
		return false
	}
	return json.Valid([]byte(v))
}

func scalarValue(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("empty value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("nested values are not supported")
	}
	if string(trimmed) == "null" {
		return "", nil
	}
	return string(trimmed), nil
}
