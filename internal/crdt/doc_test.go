package crdt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drive-collab/internal/crdt"
)

func permutations(updates [][]byte) [][][]byte {
	if len(updates) <= 1 {
		return [][][]byte{updates}
	}
	var result [][][]byte
	for i := range updates {
		rest := make([][]byte, 0, len(updates)-1)
		rest = append(rest, updates[:i]...)
		rest = append(rest, updates[i+1:]...)
		for _, p := range permutations(rest) {
			result = append(result, append([][]byte{updates[i]}, p...))
		}
	}
	return result
}

func replicaFrom(t *testing.T, actor string, updates ...[]byte) *crdt.Doc {
	t.Helper()
	doc := crdt.New(actor)
	for _, u := range updates {
		_, err := doc.ApplyRemote(u)
		require.NoError(t, err)
	}
	return doc
}

func mustLocal(t *testing.T, doc *crdt.Doc, edit crdt.Edit) []byte {
	t.Helper()
	u, _, err := doc.ApplyLocal(edit)
	require.NoError(t, err)
	return u
}

func TestDocLocalEdits(t *testing.T) {
	t.Run("insert delete and title", func(t *testing.T) {
		doc := crdt.New("a")
		mustLocal(t, doc, crdt.InsertText(0, "Hello World"))
		mustLocal(t, doc, crdt.DeleteText(5, 6))
		mustLocal(t, doc, crdt.InsertText(5, ", drive"))
		_, v, err := doc.ApplyLocal(crdt.SetTitle("Notes"))
		require.NoError(t, err)

		assert.Equal(t, crdt.Content{Title: "Notes", Text: "Hello, drive"}, doc.Materialize())
		assert.Equal(t, 12, doc.Len())
		assert.Equal(t, 11+6+7+1, v.Ops)
		assert.Equal(t, int64(25), v.Vector["a"])
	})

	t.Run("multi-byte runes are single elements", func(t *testing.T) {
		doc := crdt.New("a")
		mustLocal(t, doc, crdt.InsertText(0, "한글🌷"))
		mustLocal(t, doc, crdt.DeleteText(1, 1))
		assert.Equal(t, "한🌷", doc.Text())
	})

	t.Run("positions out of range", func(t *testing.T) {
		doc := crdt.New("a")
		mustLocal(t, doc, crdt.InsertText(0, "abc"))

		_, _, err := doc.ApplyLocal(crdt.InsertText(4, "x"))
		assert.ErrorIs(t, err, crdt.ErrOutOfRange)
		_, _, err = doc.ApplyLocal(crdt.DeleteText(2, 2))
		assert.ErrorIs(t, err, crdt.ErrOutOfRange)
		assert.Equal(t, "abc", doc.Text())
	})
}

func TestDocConvergence(t *testing.T) {
	t.Run("concurrent updates in every order", func(t *testing.T) {
		base := crdt.New("base")
		u0 := mustLocal(t, base, crdt.InsertText(0, "hello"))

		a := replicaFrom(t, "a", u0)
		b := replicaFrom(t, "b", u0)
		c := replicaFrom(t, "c", u0)
		ua := mustLocal(t, a, crdt.InsertText(5, " world"))
		ub := mustLocal(t, b, crdt.InsertText(0, ">> "))
		uc := mustLocal(t, c, crdt.DeleteText(1, 3))

		var expected *crdt.Doc
		for _, order := range permutations([][]byte{ua, ub, uc}) {
			replica := replicaFrom(t, "r", append([][]byte{u0}, order...)...)
			if expected == nil {
				expected = replica
				continue
			}
			assert.Equal(t, expected.Materialize(), replica.Materialize())
			assert.True(t, expected.Version().Equal(replica.Version()))
		}
		assert.Equal(t, ">> ho world", expected.Text())
	})

	t.Run("inserts at the same position", func(t *testing.T) {
		base := crdt.New("base")
		u0 := mustLocal(t, base, crdt.InsertText(0, "hello"))

		a := replicaFrom(t, "a", u0)
		b := replicaFrom(t, "b", u0)
		ua := mustLocal(t, a, crdt.InsertText(5, "X"))
		ub := mustLocal(t, b, crdt.InsertText(5, "Y"))

		_, err := a.ApplyRemote(ub)
		require.NoError(t, err)
		_, err = b.ApplyRemote(ua)
		require.NoError(t, err)

		assert.Equal(t, "helloYX", a.Text())
		assert.Equal(t, a.Text(), b.Text())
	})

	t.Run("concurrent titles keep the greatest id", func(t *testing.T) {
		a := crdt.New("a")
		b := crdt.New("b")
		ua := mustLocal(t, a, crdt.SetTitle("from a"))
		ub := mustLocal(t, b, crdt.SetTitle("from b"))

		_, err := a.ApplyRemote(ub)
		require.NoError(t, err)
		_, err = b.ApplyRemote(ua)
		require.NoError(t, err)

		assert.Equal(t, "from b", a.Title())
		assert.Equal(t, "from b", b.Title())
	})
}

func TestDocApplyRemote(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		a := crdt.New("a")
		u := mustLocal(t, a, crdt.InsertText(0, "abc"))

		r := crdt.New("r")
		changed, err := r.ApplyRemote(u)
		require.NoError(t, err)
		assert.True(t, changed)
		before := r.Version()

		changed, err = r.ApplyRemote(u)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, "abc", r.Text())
		assert.True(t, before.Equal(r.Version()))
	})

	t.Run("buffers operations until their dependencies arrive", func(t *testing.T) {
		a := crdt.New("a")
		u1 := mustLocal(t, a, crdt.InsertText(0, "ab"))
		u2 := mustLocal(t, a, crdt.InsertText(2, "c"))
		u3 := mustLocal(t, a, crdt.DeleteText(0, 1))

		r := crdt.New("r")
		changed, err := r.ApplyRemote(u3)
		require.NoError(t, err)
		assert.False(t, changed)
		changed, err = r.ApplyRemote(u2)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, 2, r.PendingLen())
		assert.Equal(t, "", r.Text())

		changed, err = r.ApplyRemote(u1)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 0, r.PendingLen())
		assert.Equal(t, "bc", r.Text())
		assert.True(t, a.Version().Equal(r.Version()))
	})

	t.Run("rejects corrupt updates as a whole", func(t *testing.T) {
		r := crdt.New("r")
		for _, raw := range []string{
			``,
			`{not json`,
			`{"ops":[{"k":"ins","id":{"l":0,"a":"x"},"v":"a"}]}`,
			`{"ops":[{"k":"ins","id":{"l":1,"a":"x"},"v":"ab"}]}`,
			`{"ops":[{"k":"ins","id":{"l":1,"a":"x"},"o":{"l":3,"a":"x"},"v":"a"}]}`,
			`{"ops":[{"k":"del","id":{"l":1,"a":"x"}}]}`,
			`{"ops":[{"k":"ins","id":{"l":1,"a":"x"},"v":"a"},{"k":"mv","id":{"l":2,"a":"x"}}]}`,
		} {
			changed, err := r.ApplyRemote([]byte(raw))
			assert.ErrorIs(t, err, crdt.ErrInvalidUpdate, raw)
			assert.False(t, changed)
		}
		assert.True(t, r.IsEmpty())
	})
}

func TestDocSeed(t *testing.T) {
	t.Run("plain content is deterministic", func(t *testing.T) {
		a := crdt.New("a")
		b := crdt.New("b")
		assert.True(t, a.Seed(crdt.Content{Title: "Plan", Text: "draft"}))
		assert.True(t, b.Seed(crdt.Content{Title: "Plan", Text: "draft"}))

		assert.Equal(t, crdt.Content{Title: "Plan", Text: "draft"}, a.Materialize())
		assert.True(t, a.Version().Equal(b.Version()))
	})

	t.Run("no-op once operations exist", func(t *testing.T) {
		a := crdt.New("a")
		u := mustLocal(t, a, crdt.InsertText(0, "live edit"))

		r := crdt.New("r")
		_, err := r.ApplyRemote(u)
		require.NoError(t, err)
		assert.False(t, r.Seed(crdt.Content{Text: "stale stored text"}))
		assert.False(t, r.Seed(crdt.Content{}))
		assert.Equal(t, "live edit", r.Text())

		ok, err := r.SeedState(u)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("encoded state round trip", func(t *testing.T) {
		a := crdt.New("a")
		mustLocal(t, a, crdt.InsertText(0, "abcdef"))
		mustLocal(t, a, crdt.DeleteText(2, 2))
		mustLocal(t, a, crdt.SetTitle("t"))
		state, err := a.EncodeState()
		require.NoError(t, err)

		r := crdt.New("r")
		ok, err := r.SeedState(state)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, a.Materialize(), r.Materialize())
		assert.True(t, a.Version().Equal(r.Version()))

		// Later local edits from the seeded replica order after the seed.
		u := mustLocal(t, r, crdt.InsertText(4, "!"))
		_, err = a.ApplyRemote(u)
		require.NoError(t, err)
		assert.Equal(t, "abef!", a.Text())
	})

	t.Run("corrupt state", func(t *testing.T) {
		r := crdt.New("r")
		_, err := r.SeedState([]byte("garbage"))
		assert.ErrorIs(t, err, crdt.ErrInvalidUpdate)
	})
}

func TestVersion(t *testing.T) {
	a := crdt.New("a")
	mustLocal(t, a, crdt.InsertText(0, "xyz"))
	v := a.Version()

	parsed, err := crdt.ParseVersion(v.String())
	require.NoError(t, err)
	assert.True(t, v.Equal(parsed))

	_, err = crdt.ParseVersion("broken")
	assert.Error(t, err)
	assert.True(t, crdt.New("b").Version().IsZero())
	assert.Equal(t, "{a=3}", v.Vector.String())
}
