package crdt

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// ID identifies one operation. Lamport orders operations; Actor breaks ties
// between operations created concurrently by different replicas.
type ID struct {
	Lamport int64  `json:"l"`
	Actor   string `json:"a"`
}

// RootID is the virtual head of the sequence. Inserts at the beginning of the
// document use it as their origin.
var RootID = ID{}

// IsRoot reports whether id is the sequence head.
func (id ID) IsRoot() bool {
	return id.Lamport == 0 && id.Actor == ""
}

// Compare returns -1, 0 or +1 ordering id against other.
func (id ID) Compare(other ID) int {
	switch {
	case id.Lamport > other.Lamport:
		return 1
	case id.Lamport < other.Lamport:
		return -1
	}
	return strings.Compare(id.Actor, other.Actor)
}

// After reports whether id orders after other.
func (id ID) After(other ID) bool {
	return id.Compare(other) > 0
}

func (id ID) String() string {
	return strconv.FormatInt(id.Lamport, 10) + "@" + id.Actor
}

func (id ID) hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id.Actor))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(id.Lamport, 10)))
	return h.Sum64()
}

// VersionVector maps an actor to the highest Lamport value seen from it.
type VersionVector map[string]int64

// DeepCopy returns an independent copy of v.
func (v VersionVector) DeepCopy() VersionVector {
	copied := make(VersionVector, len(v))
	for actor, lamport := range v {
		copied[actor] = lamport
	}
	return copied
}

// Version summarizes the set of operations a replica has applied. Two replicas
// holding the same operation set always report equal versions regardless of
// the order the operations arrived in.
type Version struct {
	Ops    int           `json:"ops"`
	Digest uint64        `json:"digest"`
	Vector VersionVector `json:"vector,omitempty"`
}

// Equal reports whether both versions describe the same operation set.
func (v Version) Equal(other Version) bool {
	return v.Ops == other.Ops && v.Digest == other.Digest
}

// IsZero reports whether no operation has been applied.
func (v Version) IsZero() bool {
	return v.Ops == 0
}

// String renders the version as "<ops>:<digest>", the form persisted with
// document snapshots.
func (v Version) String() string {
	return fmt.Sprintf("%d:%016x", v.Ops, v.Digest)
}

// ParseVersion parses the output of Version.String. The vector is not part of
// the persisted form and is left empty.
func ParseVersion(s string) (Version, error) {
	ops, digest, ok := strings.Cut(s, ":")
	if !ok {
		return Version{}, fmt.Errorf("parse version %q: missing separator", s)
	}
	n, err := strconv.Atoi(ops)
	if err != nil {
		return Version{}, fmt.Errorf("parse version %q: %w", s, err)
	}
	d, err := strconv.ParseUint(digest, 16, 64)
	if err != nil {
		return Version{}, fmt.Errorf("parse version %q: %w", s, err)
	}
	return Version{Ops: n, Digest: d}, nil
}

// actors returns the actors of v in a stable order.
func (v VersionVector) actors() []string {
	actors := make([]string, 0, len(v))
	for actor := range v {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}

// String renders v as "actor=lamport" pairs in actor order.
func (v VersionVector) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, actor := range v.actors() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(actor)
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(v[actor], 10))
	}
	b.WriteByte('}')
	return b.String()
}
