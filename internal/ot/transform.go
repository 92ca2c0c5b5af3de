package ot

import (
	"errors"
	"fmt"
)

// cursor walks a step list, allowing the head step to be partially consumed.
type cursor struct {
	steps []Step
	i     int
	head  Step
	ok    bool
}

func newCursor(steps []Step) *cursor {
	c := &cursor{steps: steps}
	c.advance()
	return c
}

func (c *cursor) advance() {
	if c.i >= len(c.steps) {
		c.head, c.ok = Step{}, false
		return
	}
	c.head, c.ok = c.steps[c.i], true
	c.i++
}

// consume takes n characters off a retain or delete head.
func (c *cursor) consume(n int) {
	c.head.n -= n
	if c.head.n == 0 {
		c.advance()
	}
}

// Transform takes two operations a and b made concurrently against the same
// document and returns a' and b' such that applying a then b' gives the same
// result as applying b then a'. When both insert at the same position, a's
// text ends up first.
func Transform(a, b *Operation) (*Operation, *Operation, error) {
	if a.baseLen != b.baseLen {
		return nil, nil, fmt.Errorf("%w: %d != %d", ErrBaseLengthMismatch, a.baseLen, b.baseLen)
	}
	if err := a.Err(); err != nil {
		return nil, nil, err
	}
	if err := b.Err(); err != nil {
		return nil, nil, err
	}

	aPrime, bPrime := New(), New()
	ca, cb := newCursor(a.steps), newCursor(b.steps)
	for ca.ok || cb.ok {
		if ca.ok && ca.head.kind == KindInsert {
			aPrime.Insert(ca.head.text)
			bPrime.Retain(ca.head.Len())
			ca.advance()
			continue
		}
		if cb.ok && cb.head.kind == KindInsert {
			aPrime.Retain(cb.head.Len())
			bPrime.Insert(cb.head.text)
			cb.advance()
			continue
		}
		if !ca.ok {
			return nil, nil, fmt.Errorf("%w: first operation is too short", ErrTruncatedOperation)
		}
		if !cb.ok {
			return nil, nil, fmt.Errorf("%w: second operation is too short", ErrTruncatedOperation)
		}

		n := min(ca.head.n, cb.head.n)
		switch {
		case ca.head.kind == KindRetain && cb.head.kind == KindRetain:
			aPrime.Retain(n)
			bPrime.Retain(n)
		case ca.head.kind == KindDelete && cb.head.kind == KindDelete:
			// Both sides removed the same text; nothing left to do for it.
		case ca.head.kind == KindDelete && cb.head.kind == KindRetain:
			aPrime.Delete(n)
		case ca.head.kind == KindRetain && cb.head.kind == KindDelete:
			bPrime.Delete(n)
		}
		ca.consume(n)
		cb.consume(n)
	}
	if err := errors.Join(aPrime.Err(), bPrime.Err()); err != nil {
		return nil, nil, err
	}
	return aPrime, bPrime, nil
}
