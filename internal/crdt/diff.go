package crdt

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ApplyDiff turns the text into value using the smallest set of inserts and
// deletes the diff finds, so concurrent edits elsewhere in the text survive.
// It reports whether anything changed.
func (t *Text) ApplyDiff(value string) bool {
	return t.ApplyDiffWithOrigin(value, nil)
}

// ApplyDiffWithOrigin is ApplyDiff with an explicit transaction origin
func (t *Text) ApplyDiffWithOrigin(value string, origin any) bool {
	changed := false
	t.doc.transact(origin, func() []Op {
		current := t.doc.sequenceFor(t.name).String()
		if current == value {
			return nil
		}
		changed = true

		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(current, value, false)

		var ops []Op
		pos := 0
		for _, d := range diffs {
			n := utf8.RuneCountInString(d.Text)
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				pos += n
			case diffmatchpatch.DiffDelete:
				ops = append(ops, t.doc.localDelete(t.name, pos, n)...)
			case diffmatchpatch.DiffInsert:
				ops = append(ops, t.doc.localInsert(t.name, pos, d.Text)...)
				pos += n
			}
		}
		return ops
	})
	return changed
}
