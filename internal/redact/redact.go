// Package redact masks credentials in text before it reaches a log sink.
package redact

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

const Marker = "<REDACTED>"

type rule struct {
	re   *regexp.Regexp
	repl string
}

var rules = []rule{
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`), "${1}" + Marker},
	{regexp.MustCompile(`(?i)(x-hyper-api-key:\s*)\S+`), "${1}" + Marker},
	{regexp.MustCompile(`(?i)(--(?:api-key|api_key|token|password|secret)(?:\s+|=))("[^"]*"|'[^']*'|\S+)`), "${1}" + Marker},
	{regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:API_KEY|TOKEN|SECRET|PASSWORD|PASSWD)[A-Z0-9_]*\s*=\s*)("[^"]*"|'[^']*'|\S+)`), "${1}" + Marker},
	{regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+@`), "${1}" + Marker + "@"},
}

var (
	mu      sync.RWMutex
	secrets []string
)

// Register adds literal values (API keys, passwords read from config) that
// are masked wherever they appear. Values shorter than four bytes are
// ignored.
func Register(values ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) < 4 {
			continue
		}
		dup := false
		for _, s := range secrets {
			if s == v {
				dup = true
				break
			}
		}
		if !dup {
			secrets = append(secrets, v)
		}
	}
	// Longest first so a secret containing another is masked whole.
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
}

// Reset forgets registered secrets.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	secrets = nil
}

// Line returns s with credentials replaced by Marker.
func Line(s string) string {
	if s == "" {
		return s
	}
	mu.RLock()
	for _, v := range secrets {
		s = strings.ReplaceAll(s, v, Marker)
	}
	mu.RUnlock()
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
