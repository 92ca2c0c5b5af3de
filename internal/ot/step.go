package ot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// StepKind identifies which primitive edit a Step performs.
type StepKind uint8

const (
	KindRetain StepKind = iota + 1
	KindInsert
	KindDelete
)

func (k StepKind) String() string {
	switch k {
	case KindRetain:
		return "retain"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Step is a single primitive edit. The zero value is invalid.
type Step struct {
	kind StepKind
	n    int    // retain/delete count
	text string // insert payload
}

// Retain returns a step that copies n characters unchanged.
func Retain(n int) Step { return Step{kind: KindRetain, n: n} }

// Insert returns a step that inserts s.
func Insert(s string) Step { return Step{kind: KindInsert, text: s} }

// Delete returns a step that removes n characters. The sign of n is ignored.
func Delete(n int) Step {
	if n < 0 {
		n = -n
	}
	return Step{kind: KindDelete, n: n}
}

func (s Step) Kind() StepKind { return s.kind }
func (s Step) IsRetain() bool { return s.kind == KindRetain }
func (s Step) IsInsert() bool { return s.kind == KindInsert }
func (s Step) IsDelete() bool { return s.kind == KindDelete }
func (s Step) Text() string { return s.text }

// Len is the number of characters the step covers: the retain or delete count,
// or the rune length of the inserted text.
func (s Step) Len() int {
	if s.kind == KindInsert {
		return utf8.RuneCountInString(s.text)
	}
	return s.n
}

func (s Step) String() string {
	switch s.kind {
	case KindRetain:
		return fmt.Sprintf("retain(%d)", s.n)
	case KindInsert:
		return fmt.Sprintf("insert(%q)", s.text)
	case KindDelete:
		return fmt.Sprintf("delete(%d)", s.n)
	default:
		return "invalid"
	}
}

// MarshalJSON encodes the step in the tagged list form used on the wire:
// positive integer for retain, string for insert, negative integer for delete.
func (s Step) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case KindRetain:
		return []byte(strconv.Itoa(s.n)), nil
	case KindInsert:
		return json.Marshal(s.text)
	case KindDelete:
		return []byte(strconv.Itoa(-s.n)), nil
	default:
		return nil, fmt.Errorf("%w: step has no kind", ErrInvalidArgument)
	}
}

// UnmarshalJSON decodes one element of the tagged list form.
func (s *Step) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		*s = Insert(text)
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("%w: unrecognized step %s", ErrInvalidArgument, data)
	}
	switch {
	case n > MaxLength || n < -MaxLength:
		return fmt.Errorf("%w: step %s exceeds the maximum length %d", ErrInvalidArgument, data, MaxLength)
	case n > 0:
		*s = Retain(n)
	case n < 0:
		*s = Delete(n)
	default:
		return fmt.Errorf("%w: unrecognized step 0", ErrInvalidArgument)
	}
	return nil
}
