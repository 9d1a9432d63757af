package crdt

import (
	"errors"
	"testing"
)

// recordUpdates captures every update a document emits
func recordUpdates(d *Doc) *[][]byte {
	var updates [][]byte
	d.OnUpdate(func(update []byte, origin any) {
		updates = append(updates, update)
	})
	return &updates
}

func mustApply(t *testing.T, d *Doc, update []byte) {
	t.Helper()
	if err := d.ApplyUpdate(update, "remote"); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
}

func TestInsertDeleteLocal(t *testing.T) {
	d := NewDocWithClientID(1)
	text := d.Text("content")

	text.Insert(0, "hello")
	text.Insert(5, " world")
	text.Insert(100, "!")
	if got := text.String(); got != "hello world!" {
		t.Fatalf("String() = %q, want %q", got, "hello world!")
	}

	text.Delete(5, 6)
	if got := text.String(); got != "hello!" {
		t.Fatalf("String() after delete = %q", got)
	}
	if text.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", text.Len())
	}

	text.Delete(4, 50)
	if got := text.String(); got != "hell" {
		t.Fatalf("String() after overlong delete = %q", got)
	}
}

func TestConvergenceAcrossInterleavings(t *testing.T) {
	a := NewDocWithClientID(1)
	b := NewDocWithClientID(2)
	aUpdates := recordUpdates(a)
	bUpdates := recordUpdates(b)

	a.Text("content").Insert(0, "foo")
	a.Text("content").Insert(3, "bar")
	b.Text("content").Insert(0, "baz")

	orders := [][][]byte{
		{(*aUpdates)[0], (*aUpdates)[1], (*bUpdates)[0]},
		{(*bUpdates)[0], (*aUpdates)[0], (*aUpdates)[1]},
		{(*aUpdates)[0], (*bUpdates)[0], (*aUpdates)[1]},
		// causal gap: second update of a arrives first
		{(*aUpdates)[1], (*bUpdates)[0], (*aUpdates)[0]},
	}

	var want string
	for i, order := range orders {
		replica := NewDocWithClientID(uint64(10 + i))
		for _, u := range order {
			mustApply(t, replica, u)
		}
		got := replica.Text("content").String()
		if i == 0 {
			want = got
		}
		if got != want {
			t.Fatalf("order %d converged to %q, want %q", i, got, want)
		}
		if replica.PendingCount() != 0 {
			t.Fatalf("order %d left %d pending ops", i, replica.PendingCount())
		}
	}
	if len(want) != 9 {
		t.Fatalf("converged text %q lost characters", want)
	}

	// the authors converge with the replicas too
	mustApply(t, a, (*bUpdates)[0])
	for _, u := range *aUpdates {
		mustApply(t, b, u)
	}
	if a.Text("content").String() != want || b.Text("content").String() != want {
		t.Fatalf("authors diverged: a=%q b=%q want %q", a.Text("content").String(), b.Text("content").String(), want)
	}
}

func TestConcurrentInsertAtSamePosition(t *testing.T) {
	a := NewDocWithClientID(7)
	b := NewDocWithClientID(9)
	aUpdates := recordUpdates(a)
	bUpdates := recordUpdates(b)

	a.Text("content").Insert(0, "x")
	b.Text("content").Insert(0, "y")

	mustApply(t, a, (*bUpdates)[0])
	mustApply(t, b, (*aUpdates)[0])

	ga, gb := a.Text("content").String(), b.Text("content").String()
	if ga != gb {
		t.Fatalf("replicas diverged: %q vs %q", ga, gb)
	}
	if ga != "xy" && ga != "yx" {
		t.Fatalf("String() = %q, want xy or yx", ga)
	}
}

func TestDuplicateUpdateIgnored(t *testing.T) {
	a := NewDocWithClientID(1)
	updates := recordUpdates(a)
	a.Text("content").Insert(0, "abc")

	b := NewDocWithClientID(2)
	changes := 0
	b.Observe(func(Event) { changes++ })
	mustApply(t, b, (*updates)[0])
	mustApply(t, b, (*updates)[0])

	if got := b.Text("content").String(); got != "abc" {
		t.Fatalf("String() = %q, want abc", got)
	}
	if changes != 1 {
		t.Fatalf("observer called %d times, want 1", changes)
	}
}

func TestStateAsUpdateSendsOnlyMissingOps(t *testing.T) {
	a := NewDocWithClientID(1)
	a.Text("content").Insert(0, "hello")

	b := NewDocWithClientID(2)
	full, err := a.EncodeStateAsUpdate(b.EncodeStateVector())
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate() error = %v", err)
	}
	mustApply(t, b, full)

	a.Text("content").Insert(5, "!")
	delta, err := a.EncodeStateAsUpdate(b.EncodeStateVector())
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate() error = %v", err)
	}
	ops, err := DecodeUpdate(delta)
	if err != nil {
		t.Fatalf("DecodeUpdate() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Value != '!' {
		t.Fatalf("delta ops = %+v, want the single '!' insert", ops)
	}
	mustApply(t, b, delta)
	if got := b.Text("content").String(); got != "hello!" {
		t.Fatalf("String() = %q, want hello!", got)
	}
}

func TestNamedTextsAreIndependent(t *testing.T) {
	d := NewDocWithClientID(3)
	var texts []string
	d.Observe(func(ev Event) { texts = append(texts, ev.Texts...) })

	d.Text("title").Insert(0, "Notes")
	d.Text("content").Insert(0, "body")

	if d.Text("title").String() != "Notes" || d.Text("content").String() != "body" {
		t.Fatalf("texts mixed: title=%q content=%q", d.Text("title").String(), d.Text("content").String())
	}
	if len(texts) != 2 || texts[0] != "title" || texts[1] != "content" {
		t.Fatalf("observed texts = %v", texts)
	}
}

func TestApplyUpdateRejectsGarbage(t *testing.T) {
	d := NewDocWithClientID(1)
	if err := d.ApplyUpdate([]byte{9, 9, 9}, nil); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("ApplyUpdate() error = %v, want ErrMalformedUpdate", err)
	}
	if err := d.ApplyUpdate(nil, nil); !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("ApplyUpdate(nil) error = %v, want ErrMalformedUpdate", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	d := NewDocWithClientID(1)
	calls := 0
	off := d.OnUpdate(func([]byte, any) { calls++ })
	stop := d.Observe(func(Event) { calls++ })
	if d.HandlerCount() != 2 {
		t.Fatalf("HandlerCount() = %d, want 2", d.HandlerCount())
	}
	off()
	stop()
	d.Text("content").Insert(0, "a")
	if calls != 0 {
		t.Fatalf("removed handlers called %d times", calls)
	}
	if d.HandlerCount() != 0 {
		t.Fatalf("HandlerCount() = %d, want 0", d.HandlerCount())
	}
}

func TestMessageFraming(t *testing.T) {
	d := NewDocWithClientID(1)
	d.Text("content").Insert(0, "hi")

	typ, payload, err := DecodeMessage(SyncStep1(d))
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if typ.String() != "sync" {
		t.Fatalf("type = %v, want sync", typ)
	}
	sv, err := DecodeStateVector(payload)
	if err != nil {
		t.Fatalf("DecodeStateVector() error = %v", err)
	}
	if sv[1] != 2 {
		t.Fatalf("state vector = %v, want client 1 at seq 2", sv)
	}

	if _, _, err := DecodeMessage([]byte{42}); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("DecodeMessage(42) error = %v, want ErrMalformedMessage", err)
	}
}
