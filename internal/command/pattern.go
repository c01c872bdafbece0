package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	// PlaceholderInput is replaced by the whole trimmed input as one token.
	PlaceholderInput = "{{INPUT}}"
	// PlaceholderInputArgs is replaced by the tokenized input, spliced in order.
	PlaceholderInputArgs = "{{INPUT_ARGS}}"
)

var (
	// ErrInvalidPattern is returned when a stored pattern is not a JSON array.
	ErrInvalidPattern = errors.New("pattern must be a JSON array")
	// ErrEmptyPatternResult is returned when substitution yields no tokens.
	ErrEmptyPatternResult = errors.New("pattern produced an empty command")
)

// TokenKind distinguishes literal pattern tokens from placeholders.
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenInput
	TokenInputArgs
)

// PatternToken is one element of a command pattern.
type PatternToken struct {
	Kind  TokenKind
	Value string // literal text; empty for placeholders
}

// Pattern is an administrator-defined argv template bound to a container.
type Pattern struct {
	Name   string
	Tokens []PatternToken
}

// ParsePattern decodes the stored JSON form of a pattern.
//
// The document must be an array. String elements become literals or
// placeholders; null elements are skipped; any other element is kept as its
// textual JSON representation (numbers and booleans as written, objects and
// arrays compacted).
func ParsePattern(name string, raw []byte) (Pattern, error) {
	p := Pattern{Name: name}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	elems, ok := doc.([]any)
	if !ok {
		return p, ErrInvalidPattern
	}

	for _, el := range elems {
		switch v := el.(type) {
		case nil:
			continue
		case string:
			p.Tokens = append(p.Tokens, tokenFromString(v))
		case json.Number:
			p.Tokens = append(p.Tokens, PatternToken{Kind: TokenLiteral, Value: v.String()})
		case bool:
			p.Tokens = append(p.Tokens, PatternToken{Kind: TokenLiteral, Value: strconv.FormatBool(v)})
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return p, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
			}
			p.Tokens = append(p.Tokens, PatternToken{Kind: TokenLiteral, Value: string(b)})
		}
	}
	return p, nil
}

// MustParsePattern is ParsePattern for literals known to be valid.
func MustParsePattern(name, raw string) Pattern {
	p, err := ParsePattern(name, []byte(raw))
	if err != nil {
		panic(err)
	}
	return p
}

func tokenFromString(s string) PatternToken {
	switch s {
	case PlaceholderInput:
		return PatternToken{Kind: TokenInput}
	case PlaceholderInputArgs:
		return PatternToken{Kind: TokenInputArgs}
	}
	return PatternToken{Kind: TokenLiteral, Value: s}
}

// Apply substitutes input into the pattern.
//
// {{INPUT_ARGS}} is tokenized at most once; every occurrence splices the
// same tokens.
func (p Pattern) Apply(input string) ([]string, error) {
	line, err := trimmedInput(input)
	if err != nil {
		return nil, err
	}

	var (
		argv      []string
		cached    []string
		tokenized bool
	)
	for _, tok := range p.Tokens {
		switch tok.Kind {
		case TokenLiteral:
			argv = append(argv, tok.Value)
		case TokenInput:
			argv = append(argv, line)
		case TokenInputArgs:
			if !tokenized {
				cached, err = Tokenize(line)
				if err != nil {
					return nil, fmt.Errorf("pattern %s: %w", PlaceholderInputArgs, err)
				}
				tokenized = true
			}
			argv = append(argv, cached...)
		}
	}

	if len(argv) == 0 {
		return nil, ErrEmptyPatternResult
	}
	return argv, nil
}
