// Package command turns operator input into an argv for remote execution.
//
// Nothing in this package ever invokes a shell. Input is split into tokens
// with a small quote-aware tokenizer, and any character that a shell would
// treat as an operator is rejected before tokenizing starts.
package command

import (
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrEmptyCommand is returned when the trimmed input is empty.
	ErrEmptyCommand = errors.New("command must not be empty")
	// ErrUnsafeInput is returned when the input contains shell operators.
	ErrUnsafeInput = errors.New("shell operators (|, &, ;, <, >, (, ), `) are not allowed")
	// ErrUnterminatedQuote is returned when a quote region is never closed.
	ErrUnterminatedQuote = errors.New("unterminated quote")
)

// unsafeChars enable operator injection when a line reaches a shell.
const unsafeChars = "|&;<>()`"

// HasShellOperators reports whether line contains any character from the
// rejected operator set.
func HasShellOperators(line string) bool {
	return strings.ContainsAny(line, unsafeChars)
}

// Tokenize splits line into argv tokens.
//
// Unquoted whitespace separates tokens. A single or double quote opens a
// region that ends at the next matching quote; everything inside it,
// whitespace and the other quote character included, is taken literally.
// Quote characters themselves are never emitted. Empty tokens are dropped.
func Tokenize(line string) ([]string, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, ErrEmptyCommand
	}
	if HasShellOperators(trimmed) {
		return nil, ErrUnsafeInput
	}

	var (
		tokens  []string
		current strings.Builder
		quote   rune
	)

	for _, ch := range trimmed {
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				current.WriteRune(ch)
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case unicode.IsSpace(ch):
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if quote != 0 {
		return nil, ErrUnterminatedQuote
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
