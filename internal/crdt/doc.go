// Package crdt implements the replicated document state shared by every
// participant of a collaboration room.
//
// The text is an RGA sequence of runes. Each rune is an element identified by
// the ID of the insert operation that created it and placed after its origin;
// concurrent inserts after the same origin are ordered by descending ID.
// Deletes only tombstone elements, so every operation commutes. The title is
// a last-writer-wins register ordered by operation ID.
package crdt

import (
	"errors"
	"fmt"

	"drive-collab/internal/logging"
)

// SeedActor is the actor of operations generated when a document is seeded
// from plain stored text. Seed IDs are deterministic so two servers seeding the
// same content produce the same operations.
const SeedActor = "seed"

// ErrOutOfRange is returned when a local edit addresses a position outside the
// visible text.
var ErrOutOfRange = errors.New("position out of range")

var logger = logging.New("crdt")

// Content is the flattened view of a document.
type Content struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type element struct {
	id      ID
	value   rune
	deleted bool
}

// Doc is one replica of a document. It is not safe for concurrent use; the
// owner serializes access.
type Doc struct {
	actor string
	clock int64

	elems []*element
	byID  map[ID]*element

	title   string
	titleID ID

	applied      map[ID]struct{}
	pending      map[ID]Op
	pendingOrder []ID

	log     []Op
	version Version
}

// New creates an empty replica whose local operations are issued by actor.
func New(actor string) *Doc {
	return &Doc{
		actor:   actor,
		byID:    make(map[ID]*element),
		applied: make(map[ID]struct{}),
		pending: make(map[ID]Op),
		version: Version{Vector: make(VersionVector)},
	}
}

// Actor returns the actor of local operations.
func (d *Doc) Actor() string {
	return d.actor
}

// IsEmpty reports whether the replica has not applied any operation.
func (d *Doc) IsEmpty() bool {
	return d.version.Ops == 0
}

// Version returns a copy of the current version.
func (d *Doc) Version() Version {
	v := d.version
	v.Vector = d.version.Vector.DeepCopy()
	return v
}

// PendingLen returns the number of buffered operations still waiting for a
// causal dependency.
func (d *Doc) PendingLen() int {
	return len(d.pending)
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Text returns the visible text.
func (d *Doc) Text() string {
	runes := make([]rune, 0, len(d.elems))
	for _, e := range d.elems {
		if !e.deleted {
			runes = append(runes, e.value)
		}
	}
	return string(runes)
}

// Title returns the current title.
func (d *Doc) Title() string {
	return d.title
}

// Materialize returns the flattened content.
func (d *Doc) Materialize() Content {
	return Content{Title: d.title, Text: d.Text()}
}

// ApplyLocal records a local edit and returns the encoded update to broadcast
// along with the resulting version.
func (d *Doc) ApplyLocal(edit Edit) ([]byte, Version, error) {
	var ops []Op

	switch edit.Kind {
	case EditInsert:
		if edit.Pos < 0 || edit.Pos > d.Len() {
			return nil, d.Version(), fmt.Errorf("insert at %d: %w", edit.Pos, ErrOutOfRange)
		}
		origin := RootID
		if edit.Pos > 0 {
			origin = d.visibleAt(edit.Pos - 1).id
		}
		for _, r := range edit.Text {
			op := Op{Kind: OpInsert, ID: d.nextID(), Origin: origin, Value: string(r)}
			d.integrate(op)
			ops = append(ops, op)
			origin = op.ID
		}
	case EditDelete:
		if edit.Pos < 0 || edit.Length < 0 || edit.Pos+edit.Length > d.Len() {
			return nil, d.Version(), fmt.Errorf("delete [%d,%d): %w", edit.Pos, edit.Pos+edit.Length, ErrOutOfRange)
		}
		targets := make([]ID, 0, edit.Length)
		for i := 0; i < edit.Length; i++ {
			targets = append(targets, d.visibleAt(edit.Pos+i).id)
		}
		for _, target := range targets {
			op := Op{Kind: OpDelete, ID: d.nextID(), Target: target}
			d.integrate(op)
			ops = append(ops, op)
		}
	case EditTitle:
		op := Op{Kind: OpTitle, ID: d.nextID(), Value: edit.Text}
		d.integrate(op)
		ops = append(ops, op)
	default:
		return nil, d.Version(), fmt.Errorf("unknown edit kind %d", edit.Kind)
	}

	buf, err := EncodeUpdate(Update{Ops: ops})
	if err != nil {
		return nil, d.Version(), err
	}
	return buf, d.Version(), nil
}

// ApplyRemote merges an encoded update produced by any replica. It returns
// whether the state changed. Re-applying an update is a no-op. An update that
// fails to decode or validate is rejected as a whole.
func (d *Doc) ApplyRemote(buf []byte) (bool, error) {
	u, err := DecodeUpdate(buf)
	if err != nil {
		return false, err
	}
	return d.applyOps(u.Ops), nil
}

// Seed initializes an empty replica from plain stored content. It does
// nothing and returns false when the replica already holds operations.
func (d *Doc) Seed(content Content) bool {
	if !d.IsEmpty() {
		logger.Warnw("seed rejected, document already has operations",
			"ops", d.version.Ops, "pending", len(d.pending))
		return false
	}

	var lamport int64
	origin := RootID
	for _, r := range content.Text {
		lamport++
		op := Op{Kind: OpInsert, ID: ID{Lamport: lamport, Actor: SeedActor}, Origin: origin, Value: string(r)}
		d.integrate(op)
		origin = op.ID
	}
	if content.Title != "" {
		lamport++
		d.integrate(Op{Kind: OpTitle, ID: ID{Lamport: lamport, Actor: SeedActor}, Value: content.Title})
	}
	return true
}

// SeedState initializes an empty replica from an encoded state produced by
// EncodeState. It does nothing and returns false when the replica already
// holds operations.
func (d *Doc) SeedState(state []byte) (bool, error) {
	if !d.IsEmpty() {
		logger.Warnw("seed state rejected, document already has operations",
			"ops", d.version.Ops, "pending", len(d.pending))
		return false, nil
	}
	u, err := DecodeUpdate(state)
	if err != nil {
		return false, fmt.Errorf("seed state: %w", err)
	}
	d.applyOps(u.Ops)
	return true, nil
}

// EncodeState encodes every applied operation in application order. Applying
// the result to an empty replica reproduces this replica.
func (d *Doc) EncodeState() ([]byte, error) {
	ops := make([]Op, len(d.log))
	copy(ops, d.log)
	return EncodeUpdate(Update{Ops: ops})
}

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Lamport: d.clock, Actor: d.actor}
}

func (d *Doc) applyOps(ops []Op) bool {
	changed := false
	for _, op := range ops {
		if d.known(op.ID) {
			continue
		}
		if d.ready(op) {
			d.integrate(op)
			changed = true
			continue
		}
		d.pending[op.ID] = op
		d.pendingOrder = append(d.pendingOrder, op.ID)
	}
	if changed {
		d.drainPending()
	}
	return changed
}

func (d *Doc) known(id ID) bool {
	if _, ok := d.applied[id]; ok {
		return true
	}
	_, ok := d.pending[id]
	return ok
}

// ready reports whether every causal dependency of op has been integrated.
func (d *Doc) ready(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if op.Origin.IsRoot() {
			return true
		}
		_, ok := d.byID[op.Origin]
		return ok
	case OpDelete:
		_, ok := d.byID[op.Target]
		return ok
	default:
		return true
	}
}

func (d *Doc) drainPending() {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		remaining := d.pendingOrder[:0]
		for _, id := range d.pendingOrder {
			op := d.pending[id]
			if d.ready(op) {
				delete(d.pending, id)
				d.integrate(op)
				progress = true
				continue
			}
			remaining = append(remaining, id)
		}
		d.pendingOrder = remaining
	}
}

// integrate applies op, whose dependencies must already be present.
func (d *Doc) integrate(op Op) {
	switch op.Kind {
	case OpInsert:
		idx := 0
		if !op.Origin.IsRoot() {
			idx = d.indexOf(op.Origin) + 1
		}
		// Skip the subtrees of concurrent siblings that order before op.
		for idx < len(d.elems) && d.elems[idx].id.After(op.ID) {
			idx++
		}
		r := []rune(op.Value)[0]
		e := &element{id: op.ID, value: r}
		d.elems = append(d.elems, nil)
		copy(d.elems[idx+1:], d.elems[idx:])
		d.elems[idx] = e
		d.byID[op.ID] = e
	case OpDelete:
		d.byID[op.Target].deleted = true
	case OpTitle:
		if op.ID.After(d.titleID) {
			d.title = op.Value
			d.titleID = op.ID
		}
	}

	d.applied[op.ID] = struct{}{}
	d.log = append(d.log, op)
	d.version.Ops++
	d.version.Digest += op.ID.hash()
	if op.ID.Lamport > d.version.Vector[op.ID.Actor] {
		d.version.Vector[op.ID.Actor] = op.ID.Lamport
	}
	if op.ID.Lamport > d.clock {
		d.clock = op.ID.Lamport
	}
}

func (d *Doc) indexOf(id ID) int {
	for i, e := range d.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// visibleAt returns the pos-th visible element. pos must be in range.
func (d *Doc) visibleAt(pos int) *element {
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if pos == 0 {
			return e
		}
		pos--
	}
	return nil
}
