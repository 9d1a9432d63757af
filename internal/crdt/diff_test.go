package crdt

import "testing"

func TestApplyDiffProducesMinimalOps(t *testing.T) {
	d := NewDocWithClientID(1)
	text := d.Text("content")
	text.Insert(0, "hello world")

	var ops []Op
	d.OnUpdate(func(update []byte, _ any) {
		decoded, err := DecodeUpdate(update)
		if err != nil {
			t.Fatalf("DecodeUpdate() error = %v", err)
		}
		ops = append(ops, decoded...)
	})

	if !text.ApplyDiff("hello brave world") {
		t.Fatal("ApplyDiff() reported no change")
	}
	if got := text.String(); got != "hello brave world" {
		t.Fatalf("String() = %q", got)
	}
	if len(ops) != len("brave ") {
		t.Fatalf("ApplyDiff() produced %d ops, want %d inserts", len(ops), len("brave "))
	}

	if text.ApplyDiff("hello brave world") {
		t.Fatal("ApplyDiff() with same value reported a change")
	}
}

func TestApplyDiffKeepsConcurrentRemoteEdit(t *testing.T) {
	a := NewDocWithClientID(1)
	b := NewDocWithClientID(2)
	a.OnUpdate(func(u []byte, _ any) { _ = b.ApplyUpdate(u, "a") })

	a.Text("content").Insert(0, "line one\nline two")

	var fromB [][]byte
	b.OnUpdate(func(u []byte, origin any) {
		if origin == nil {
			fromB = append(fromB, u)
		}
	})
	// b edits the start while a rewrites the end from a full string
	b.Text("content").Insert(0, "> ")
	a.Text("content").ApplyDiff("line one\nline 2")

	for _, u := range fromB {
		mustApply(t, a, u)
	}

	want := "> line one\nline 2"
	if got := a.Text("content").String(); got != want {
		t.Fatalf("a = %q, want %q", got, want)
	}
	if got := b.Text("content").String(); got != want {
		t.Fatalf("b = %q, want %q", got, want)
	}
}

func TestApplyDiffMultibyte(t *testing.T) {
	d := NewDocWithClientID(1)
	text := d.Text("content")
	text.Insert(0, "héllo")
	text.ApplyDiff("héllo wörld")
	if got := text.String(); got != "héllo wörld" {
		t.Fatalf("String() = %q", got)
	}
	if text.Len() != 11 {
		t.Fatalf("Len() = %d, want 11 runes", text.Len())
	}
}
