package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidUpdate is returned when an encoded update cannot be decoded or
// contains an operation that violates the operation invariants.
var ErrInvalidUpdate = errors.New("invalid update")

// OpKind is the type of an operation.
type OpKind string

const (
	// OpInsert inserts one rune after Origin.
	OpInsert OpKind = "ins"
	// OpDelete tombstones the element created by Target.
	OpDelete OpKind = "del"
	// OpTitle sets the title register; the greatest ID wins.
	OpTitle OpKind = "title"
)

// Op is a single replicated operation.
type Op struct {
	Kind   OpKind `json:"k"`
	ID     ID     `json:"id"`
	Origin ID     `json:"o,omitempty"`
	Target ID     `json:"t,omitempty"`
	Value  string `json:"v,omitempty"`
}

// Update is the unit exchanged between replicas: a batch of operations.
type Update struct {
	Ops []Op `json:"ops"`
}

// EncodeUpdate serializes u.
func EncodeUpdate(u Update) ([]byte, error) {
	buf, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return buf, nil
}

// DecodeUpdate parses and validates an encoded update.
func DecodeUpdate(buf []byte) (Update, error) {
	var u Update
	if len(buf) == 0 {
		return u, fmt.Errorf("%w: empty payload", ErrInvalidUpdate)
	}
	if err := json.Unmarshal(buf, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	for i := range u.Ops {
		if err := u.Ops[i].validate(); err != nil {
			return u, fmt.Errorf("%w: op %d: %v", ErrInvalidUpdate, i, err)
		}
	}
	return u, nil
}

func (op *Op) validate() error {
	if op.ID.Lamport <= 0 || op.ID.Actor == "" {
		return fmt.Errorf("bad id %s", op.ID)
	}

	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Value) != 1 || !utf8.ValidString(op.Value) {
			return fmt.Errorf("insert %s must carry exactly one rune", op.ID)
		}
		if !op.ID.After(op.Origin) || op.ID.Lamport <= op.Origin.Lamport {
			return fmt.Errorf("insert %s must be newer than its origin %s", op.ID, op.Origin)
		}
	case OpDelete:
		if op.Target.IsRoot() {
			return fmt.Errorf("delete %s has no target", op.ID)
		}
	case OpTitle:
		if !utf8.ValidString(op.Value) {
			return fmt.Errorf("title %s is not valid utf-8", op.ID)
		}
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return nil
}
