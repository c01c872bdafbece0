package command

import (
	"fmt"
	"strings"
)

// Mode selects how raw input becomes argv.
type Mode int

const (
	// ModeDefault applies the container's bound pattern when there is one,
	// otherwise plain tokenizing.
	ModeDefault Mode = iota
	// ModeArgs always tokenizes, ignoring any bound pattern.
	ModeArgs
)

func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModeArgs:
		return "args"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode maps the wire value of the "mode" field to a Mode.
//
// Matching is case-insensitive. The legacy values "raw", "shell" and "bash"
// are still sent by older frontends and resolve to ModeDefault.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "raw", "shell", "bash":
		return ModeDefault, nil
	case "args":
		return ModeArgs, nil
	}
	return ModeDefault, fmt.Errorf("unknown exec mode %q", s)
}

// Build converts input into argv. pattern may be nil.
func Build(input string, mode Mode, pattern *Pattern) ([]string, error) {
	if _, err := trimmedInput(input); err != nil {
		return nil, err
	}

	switch mode {
	case ModeArgs:
		return tokenizeArgv(input)
	case ModeDefault:
		if pattern != nil {
			return pattern.Apply(input)
		}
		return tokenizeArgv(input)
	}
	return nil, fmt.Errorf("unsupported exec mode %v", mode)
}

// tokenizeArgv is Tokenize for a whole command line: input made only of
// empty quotes yields no tokens and counts as empty.
func tokenizeArgv(input string) ([]string, error) {
	argv, err := Tokenize(input)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

func trimmedInput(input string) (string, error) {
	line := strings.TrimSpace(input)
	if line == "" {
		return "", ErrEmptyCommand
	}
	return line, nil
}
