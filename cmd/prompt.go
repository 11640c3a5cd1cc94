package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"tuneagent/internal/config"
	"tuneagent/internal/coordinator"
)

var choiceLabels = map[coordinator.Choice]string{
	coordinator.ChoiceDefault:     "revert to the default configuration",
	coordinator.ChoiceInstallBest: "install the best configuration found so far",
	coordinator.ChoiceKeepCurrent: "keep the configuration that is installed now",
}

// newPrompter returns a fixed prompter when interrupt.answer is set and a
// terminal prompter otherwise.
func newPrompter(answer string, in io.Reader, out io.Writer) (coordinator.Prompter, error) {
	abort, choice, err := config.ParseInterruptAnswer(answer)
	if err != nil {
		return nil, err
	}
	if choice == "" {
		return &terminalPrompter{in: bufio.NewReader(in), out: out}, nil
	}
	return coordinator.FixedPrompter{Abort: abort, Answer: coordinator.Choice(choice)}, nil
}

type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *terminalPrompter) Confirm(ctx context.Context) (bool, error) {
	for {
		fmt.Fprint(p.out, "Abort the tuning session? [y/n]: ")
		line, err := p.readLine(ctx)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

func (p *terminalPrompter) Choose(ctx context.Context, options []coordinator.Choice) (coordinator.Choice, error) {
	for {
		for _, o := range options {
			fmt.Fprintf(p.out, "  %s: %s\n", o, choiceLabels[o])
		}
		fmt.Fprint(p.out, "Choice: ")
		line, err := p.readLine(ctx)
		if err != nil {
			return "", err
		}
		for _, o := range options {
			if strings.EqualFold(line, string(o)) {
				return o, nil
			}
		}
		fmt.Fprintf(p.out, "%q is not one of the options\n", line)
	}
}

// readLine reads one trimmed line, giving up when ctx ends.
func (p *terminalPrompter) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- result{strings.TrimSpace(line), err}
	}()
	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
