package crdt

// EditKind is the type of a local edit.
type EditKind int

const (
	EditInsert EditKind = iota
	EditDelete
	EditTitle
)

// Edit is a local, position based change that ApplyLocal turns into
// replicated operations.
type Edit struct {
	Kind   EditKind
	Pos    int
	Length int
	Text   string
}

// InsertText inserts text before the pos-th visible rune.
func InsertText(pos int, text string) Edit {
	return Edit{Kind: EditInsert, Pos: pos, Text: text}
}

// DeleteText removes length visible runes starting at pos.
func DeleteText(pos, length int) Edit {
	return Edit{Kind: EditDelete, Pos: pos, Length: length}
}

// SetTitle replaces the document title.
func SetTitle(title string) Edit {
	return Edit{Kind: EditTitle, Text: title}
}
