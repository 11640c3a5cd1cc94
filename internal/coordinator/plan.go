package coordinator

import (
	"context"
	"fmt"

	"tuneagent/internal/knobs"
	"tuneagent/internal/session"
)

// Action is the terminal configuration decision for an abort.
type Action int

const (
	// Resume cancels the abort; the session keeps running.
	Resume Action = iota
	// Withdraw removes instrumentation only. Used before tuning started,
	// when no tuning override exists.
	Withdraw
	// Revert restores the default configuration.
	Revert
	// Install puts Plan.Config in place.
	Install
	// KeepCurrent leaves the installed configuration untouched.
	KeepCurrent
)

func (a Action) String() string {
	switch a {
	case Resume:
		return "resume"
	case Withdraw:
		return "withdraw"
	case Revert:
		return "revert"
	case Install:
		return "install"
	case KeepCurrent:
		return "keep-current"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

type Plan struct {
	Action Action
	Config *knobs.Configuration
}

// Choice is an operator answer to the terminal interrupt prompt.
type Choice string

const (
	ChoiceDefault     Choice = "D"
	ChoiceInstallBest Choice = "I"
	ChoiceKeepCurrent Choice = "K"
)

// Prompter asks the operator what to do after a terminal interrupt.
type Prompter interface {
	// Confirm asks whether to really abort the session.
	Confirm(ctx context.Context) (bool, error)
	// Choose picks one of options. Implementations must return a member of
	// options.
	Choose(ctx context.Context, options []Choice) (Choice, error)
}

// FixedPrompter answers every prompt the same way. Used for unattended runs
// and tests. A Choice outside the offered options resolves to the first one.
type FixedPrompter struct {
	Abort  bool
	Answer Choice
}

func (p FixedPrompter) Confirm(context.Context) (bool, error) { return p.Abort, nil }

func (p FixedPrompter) Choose(_ context.Context, options []Choice) (Choice, error) {
	for _, o := range options {
		if o == p.Answer {
			return o, nil
		}
	}
	return options[0], nil
}

// Decide maps the session mode and directive to a plan. Only terminal
// interrupts consult the prompter.
func Decide(ctx context.Context, mode session.Mode, d session.AbortDirective, best *knobs.Configuration, p Prompter) (Plan, error) {
	if mode == session.PreTuning {
		if d.Type != session.TerminalInterrupt {
			return Plan{Action: Withdraw}, nil
		}
		ok, err := p.Confirm(ctx)
		if err != nil {
			return Plan{}, err
		}
		if !ok {
			return Plan{Action: Resume}, nil
		}
		return Plan{Action: Withdraw}, nil
	}

	switch d.Type {
	case session.BestConfig:
		if best.Len() > 0 {
			return Plan{Action: Install, Config: best}, nil
		}
		return Plan{Action: Revert}, nil
	case session.SelectedConfig:
		if d.SelectedConfig.Len() > 0 {
			return Plan{Action: Install, Config: d.SelectedConfig}, nil
		}
		return Plan{Action: Revert}, nil
	case session.TerminalInterrupt:
		ok, err := p.Confirm(ctx)
		if err != nil {
			return Plan{}, err
		}
		if !ok {
			return Plan{Action: Resume}, nil
		}
		return chooseOnInterrupt(ctx, mode, best, p)
	}
	return Plan{Action: Revert}, nil
}

func chooseOnInterrupt(ctx context.Context, mode session.Mode, best *knobs.Configuration, p Prompter) (Plan, error) {
	var options []Choice
	if mode == session.PostTuning {
		options = []Choice{ChoiceKeepCurrent, ChoiceDefault}
	} else {
		if best.Len() == 0 {
			return Plan{Action: Revert}, nil
		}
		options = []Choice{ChoiceInstallBest, ChoiceDefault}
	}

	choice, err := p.Choose(ctx, options)
	if err != nil {
		return Plan{}, err
	}
	switch choice {
	case ChoiceInstallBest:
		return Plan{Action: Install, Config: best}, nil
	case ChoiceKeepCurrent:
		return Plan{Action: KeepCurrent}, nil
	}
	return Plan{Action: Revert}, nil
}
