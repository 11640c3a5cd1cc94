package knobs

import (
	"bytes"
	"fmt"
)

const overrideHeader = "# Managed by tuneagent. Removed when the session reverts to defaults.\n"

// Render produces the override file body for cfg: one "name = value<unit>"
// line per knob in configuration order.
func Render(cfg *Configuration, cat *Catalog) ([]byte, error) {
	annotated, err := cat.Annotate(cfg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(overrideHeader)
	for _, k := range annotated.Knobs() {
		fmt.Fprintf(&buf, "%s = %s%s\n", k.Name, k.Value, k.Unit)
	}
	return buf.Bytes(), nil
}
