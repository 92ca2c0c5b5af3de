// Package ot implements operational transformation for plain text.
//
// An Operation is a sequence of retain, insert and delete steps that walks a
// document from start to end. Operations are built through the Retain, Insert
// and Delete methods, which keep the step list in canonical form: adjacent
// steps of the same kind are merged and an insert never directly follows a
// delete. Transform relies on that form.
//
// Lengths are counted in runes.
package ot

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// MaxLength bounds every step count and both lengths of an operation.
const MaxLength = math.MaxInt32

// Operation is an edit against a document of BaseLen runes producing a
// document of TargetLen runes.
type Operation struct {
	steps     []Step
	baseLen   int
	targetLen int
	err       error
}

// New returns an empty operation.
func New() *Operation {
	return &Operation{}
}

// FromSteps builds an operation by replaying steps through the builder, so
// lengths are always derived from the steps themselves.
func FromSteps(steps ...Step) (*Operation, error) {
	op := New()
	for i, s := range steps {
		switch s.kind {
		case KindRetain:
			if s.n < 0 {
				return nil, fmt.Errorf("%w: step %d: negative retain %d", ErrInvalidArgument, i, s.n)
			}
			op.Retain(s.n)
		case KindInsert:
			op.Insert(s.text)
		case KindDelete:
			op.Delete(s.n)
		default:
			return nil, fmt.Errorf("%w: step %d has no kind", ErrInvalidArgument, i)
		}
		if err := op.Err(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return op, nil
}

// Parse decodes an operation from its tagged list JSON form.
func Parse(data []byte) (*Operation, error) {
	op := New()
	if err := json.Unmarshal(data, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Retain appends a step that copies n characters. A negative n, or one that
// would take a length past MaxLength, leaves the operation unchanged and
// records ErrInvalidArgument, reported by Err.
func (o *Operation) Retain(n int) *Operation {
	if n < 0 {
		o.fail(fmt.Errorf("%w: retain count must not be negative, got %d", ErrInvalidArgument, n))
		return o
	}
	if n == 0 {
		return o
	}
	if n > MaxLength-o.baseLen || n > MaxLength-o.targetLen {
		o.fail(fmt.Errorf("%w: retain %d exceeds the maximum length %d", ErrInvalidArgument, n, MaxLength))
		return o
	}
	o.baseLen += n
	o.targetLen += n
	if last := len(o.steps) - 1; last >= 0 && o.steps[last].kind == KindRetain {
		o.steps[last].n += n
		return o
	}
	o.steps = append(o.steps, Retain(n))
	return o
}

// Delete appends a step that removes n characters. Either sign is accepted.
func (o *Operation) Delete(n int) *Operation {
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return o
	}
	// -math.MinInt is still negative.
	if n < 0 || n > MaxLength-o.baseLen {
		o.fail(fmt.Errorf("%w: delete count exceeds the maximum length %d", ErrInvalidArgument, MaxLength))
		return o
	}
	o.baseLen += n
	if last := len(o.steps) - 1; last >= 0 && o.steps[last].kind == KindDelete {
		o.steps[last].n += n
		return o
	}
	o.steps = append(o.steps, Delete(n))
	return o
}

// Insert appends a step that inserts s. Inserts are kept in front of a
// trailing delete, which makes insert-then-delete and delete-then-insert
// produce the same step list.
func (o *Operation) Insert(s string) *Operation {
	if s == "" {
		return o
	}
	n := utf8.RuneCountInString(s)
	if n > MaxLength-o.targetLen {
		o.fail(fmt.Errorf("%w: insert of %d runes exceeds the maximum length %d", ErrInvalidArgument, n, MaxLength))
		return o
	}
	o.targetLen += n
	last := len(o.steps) - 1
	switch {
	case last >= 0 && o.steps[last].kind == KindInsert:
		o.steps[last].text += s
	case last >= 0 && o.steps[last].kind == KindDelete:
		if last >= 1 && o.steps[last-1].kind == KindInsert {
			o.steps[last-1].text += s
			break
		}
		del := o.steps[last]
		o.steps[last] = Insert(s)
		o.steps = append(o.steps, del)
	default:
		o.steps = append(o.steps, Insert(s))
	}
	return o
}

// fail keeps the first error.
func (o *Operation) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}

// Clone returns a copy that shares no state with o.
func (o *Operation) Clone() *Operation {
	c := *o
	c.steps = o.Steps()
	return &c
}

// Err returns the first error recorded while building the operation.
func (o *Operation) Err() error { return o.err }

// BaseLen is the length of the document the operation expects as input.
func (o *Operation) BaseLen() int { return o.baseLen }

// TargetLen is the length of the document the operation produces.
func (o *Operation) TargetLen() int { return o.targetLen }

// Len is the number of steps.
func (o *Operation) Len() int { return len(o.steps) }

// Steps returns a copy of the step list.
func (o *Operation) Steps() []Step {
	out := make([]Step, len(o.steps))
	copy(out, o.steps)
	return out
}

// IsNoop reports whether applying the operation leaves any document unchanged.
func (o *Operation) IsNoop() bool {
	return len(o.steps) == 0 || (len(o.steps) == 1 && o.steps[0].kind == KindRetain)
}

// Equal reports whether both operations have identical steps.
func (o *Operation) Equal(other *Operation) bool {
	if len(o.steps) != len(other.steps) {
		return false
	}
	for i := range o.steps {
		if o.steps[i] != other.steps[i] {
			return false
		}
	}
	return true
}

func (o *Operation) String() string {
	parts := make([]string, len(o.steps))
	for i, s := range o.steps {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// MarshalJSON encodes the operation as a tagged list.
func (o *Operation) MarshalJSON() ([]byte, error) {
	if o.err != nil {
		return nil, o.err
	}
	if o.steps == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(o.steps)
}

// UnmarshalJSON decodes a tagged list and rebuilds the operation through the
// builder. Lengths carried by a previous value are discarded.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return fmt.Errorf("%w: operation must be a list: %v", ErrInvalidArgument, err)
		}
		return err
	}
	op, err := FromSteps(steps...)
	if err != nil {
		return err
	}
	*o = *op
	return nil
}
