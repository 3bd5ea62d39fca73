// Package parser turns operator input into typed values.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrNoTaskIDs is returned when the input contains no task identifiers at all.
var ErrNoTaskIDs = errors.New("no task ids given")

// ParseError reports a token that is not a valid task identifier.
type ParseError struct {
	Token    string
	Position int // 1-based token index
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid task id %q at position %d: %v", e.Token, e.Position, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var errNotPositive = errors.New("must be a positive integer")

// ParseTaskIDs splits raw on commas and whitespace in any mixture and returns the
// integers in order of appearance. Empty tokens are skipped, duplicates are kept.
//
//	ParseTaskIDs("597, 599  602,685") // [597 599 602 685]
func ParseTaskIDs(raw string) ([]int64, error) {
	tokens := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(tokens) == 0 {
		return nil, ErrNoTaskIDs
	}

	ids := make([]int64, 0, len(tokens))
	for i, tok := range tokens {
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			var numErr *strconv.NumError
			if errors.As(err, &numErr) {
				err = numErr.Err
			}
			return nil, &ParseError{Token: tok, Position: i + 1, Err: err}
		}
		if id <= 0 {
			return nil, &ParseError{Token: tok, Position: i + 1, Err: errNotPositive}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
