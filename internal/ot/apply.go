package ot

import (
	"fmt"
	"strings"
)

// Apply runs op against doc. The operation must consume doc exactly.
func Apply(doc string, op *Operation) (string, error) {
	if err := op.Err(); err != nil {
		return "", err
	}
	src := []rune(doc)
	var b strings.Builder
	b.Grow(len(doc))
	cursor := 0
	for _, s := range op.steps {
		switch s.kind {
		case KindRetain:
			if cursor+s.n > len(src) {
				return "", fmt.Errorf("%w: retain(%d) at %d exceeds document length %d", ErrLengthMismatch, s.n, cursor, len(src))
			}
			b.WriteString(string(src[cursor : cursor+s.n]))
			cursor += s.n
		case KindInsert:
			b.WriteString(s.text)
		case KindDelete:
			if cursor+s.n > len(src) {
				return "", fmt.Errorf("%w: delete(%d) at %d exceeds document length %d", ErrLengthMismatch, s.n, cursor, len(src))
			}
			cursor += s.n
		}
	}
	if cursor != len(src) {
		return "", fmt.Errorf("%w: operation consumed %d of %d characters", ErrLengthMismatch, cursor, len(src))
	}
	return b.String(), nil
}

// Invert returns the operation that undoes op. doc must be the document op was
// applied to, since deleted text is recovered from it.
func Invert(doc string, op *Operation) (*Operation, error) {
	if err := op.Err(); err != nil {
		return nil, err
	}
	src := []rune(doc)
	inverse := New()
	cursor := 0
	for _, s := range op.steps {
		switch s.kind {
		case KindRetain:
			inverse.Retain(s.n)
			cursor += s.n
		case KindInsert:
			inverse.Delete(s.Len())
		case KindDelete:
			if cursor+s.n > len(src) {
				return nil, fmt.Errorf("%w: delete(%d) at %d exceeds document length %d", ErrLengthMismatch, s.n, cursor, len(src))
			}
			inverse.Insert(string(src[cursor : cursor+s.n]))
			cursor += s.n
		}
	}
	if err := inverse.Err(); err != nil {
		return nil, err
	}
	return inverse, nil
}
