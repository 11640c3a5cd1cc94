// Package session holds the explicit tuning session state and the abort
// directives that end it.
package session

import (
	"encoding/json"
	"strings"

	"tuneagent/internal/knobs"
)

// AbortType says what configuration should remain installed after an abort.
type AbortType string

const (
	TerminalInterrupt AbortType = "terminal_interrupt"
	DefaultConfig     AbortType = "default_config"
	BestConfig        AbortType = "best_config"
	SelectedConfig    AbortType = "selected_config"
)

// ParseAbortType maps the remote spelling to an AbortType. Unknown or empty
// values fall back to DefaultConfig.
func ParseAbortType(s string) AbortType {
	switch AbortType(strings.ToLower(strings.TrimSpace(s))) {
	case TerminalInterrupt:
		return TerminalInterrupt
	case BestConfig:
		return BestConfig
	case SelectedConfig:
		return SelectedConfig
	}
	return DefaultConfig
}

// AbortDirective asks the coordinator to end the session.
type AbortDirective struct {
	Type           AbortType
	SelectedConfig *knobs.Configuration
}

// Remote session states returned by the heartbeat endpoint.
const (
	RemoteTuning    = "tuning"
	RemoteAborted   = "aborted"
	RemoteCompleted = "completed"
)

// Directive is the heartbeat response body.
type Directive struct {
	TuningSessionState   string          `json:"tuning_session_state"`
	AbortTuningType      string          `json:"abort_tuning_type,omitempty"`
	AppliedConfigOnAbort json.RawMessage `json:"applied_config_on_abort,omitempty"`
}

func (d Directive) Aborted() bool {
	return strings.EqualFold(strings.TrimSpace(d.TuningSessionState), RemoteAborted)
}

// AbortDirective converts the response into a directive. A selected config
// that is missing, null or unparseable leaves SelectedConfig nil.
func (d Directive) AbortDirective() AbortDirective {
	ad := AbortDirective{Type: ParseAbortType(d.AbortTuningType)}
	if len(d.AppliedConfigOnAbort) == 0 {
		return ad
	}
	var cfg knobs.Configuration
	if err := json.Unmarshal(d.AppliedConfigOnAbort, &cfg); err != nil || cfg.Len() == 0 {
		return ad
	}
	ad.SelectedConfig = &cfg
	return ad
}
