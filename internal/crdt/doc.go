// Package crdt implements the replicated text document shared by every
// participant of a collaboration room.
package crdt

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
)

/*
REPLICATED GROWABLE ARRAY

Each character is an item with a globally unique ID {Client, Seq} and a
Lamport timestamp. An insert names the item it was typed after (Ref); a
delete names the item it removes and leaves a tombstone.

Integration of an insert starts right after Ref and skips every item whose
(Lamport, Client) is greater than the new one. Concurrent inserts after the
same item therefore end up ordered by (Lamport, Client) descending on every
replica, whatever order they arrived in.

Operations are integrated only once their causal dependencies are present:
the previous operation of the same client and the referenced item. Anything
else waits in the pending queue.
*/

// ID identifies the Seq-th operation created by Client
type ID struct {
	Client uint64
	Seq    uint64
}

func (id ID) IsZero() bool {
	return id.Client == 0 && id.Seq == 0
}

type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is one integrated or pending operation
type Op struct {
	Kind    OpKind
	ID      ID
	Lamport uint64
	Text    string // name of the text inside the document
	Ref     ID     // insert: left neighbour at creation (zero = start); delete: target
	Value   rune
}

type item struct {
	id      ID
	lamport uint64
	value   rune
	deleted bool
}

// precedes reports whether it sorts before a concurrent insert op
func (it *item) precedes(op Op) bool {
	if it.lamport != op.Lamport {
		return it.lamport > op.Lamport
	}
	return it.id.Client > op.ID.Client
}

type sequence struct {
	items []*item
	byID  map[ID]*item
}

func newSequence() *sequence {
	return &sequence{byID: make(map[ID]*item)}
}

func (s *sequence) indexOf(id ID) int {
	target := s.byID[id]
	if target == nil {
		return -1
	}
	for i, it := range s.items {
		if it == target {
			return i
		}
	}
	return -1
}

// visibleAt returns the item index of the n-th visible character
func (s *sequence) visibleAt(n int) int {
	seen := 0
	for i, it := range s.items {
		if it.deleted {
			continue
		}
		if seen == n {
			return i
		}
		seen++
	}
	return -1
}

func (s *sequence) length() int {
	n := 0
	for _, it := range s.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (s *sequence) String() string {
	var b strings.Builder
	for _, it := range s.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// UpdateHandler receives the encoded operations of every transaction
type UpdateHandler func(update []byte, origin any)

// Event describes a transaction that changed the document
type Event struct {
	Texts  []string
	Origin any
	Local  bool
}

type Observer func(Event)

// Doc is a replicated document holding named texts
type Doc struct {
	mu       sync.Mutex
	clientID uint64
	seq      uint64
	lamport  uint64
	sv       StateVector
	texts    map[string]*sequence
	log      []Op
	pending  []Op

	nextHandler    int
	updateHandlers map[int]UpdateHandler
	observers      map[int]Observer
}

func NewDoc() *Doc {
	return NewDocWithClientID(newClientID())
}

// NewDocWithClientID creates a document with a fixed client id.
// The id must be non-zero and unique among the replicas of a room.
func NewDocWithClientID(clientID uint64) *Doc {
	if clientID == 0 {
		clientID = newClientID()
	}
	return &Doc{
		clientID:       clientID,
		sv:             make(StateVector),
		texts:          make(map[string]*sequence),
		updateHandlers: make(map[int]UpdateHandler),
		observers:      make(map[int]Observer),
	}
}

func newClientID() uint64 {
	for {
		// 53 bits keeps ids exact in JSON consumers
		if id := rand.Uint64() & (1<<53 - 1); id != 0 {
			return id
		}
	}
}

func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Text returns a handle to the named text, creating it lazily
func (d *Doc) Text(name string) *Text {
	return &Text{doc: d, name: name}
}

// OnUpdate registers a handler for encoded updates; the returned func removes it
func (d *Doc) OnUpdate(h UpdateHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextHandler
	d.nextHandler++
	d.updateHandlers[id] = h
	return func() {
		d.mu.Lock()
		delete(d.updateHandlers, id)
		d.mu.Unlock()
	}
}

// Observe registers an observer called after every change
func (d *Doc) Observe(o Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextHandler
	d.nextHandler++
	d.observers[id] = o
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// HandlerCount reports registered update handlers and observers
func (d *Doc) HandlerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.updateHandlers) + len(d.observers)
}

// Destroy drops every handler; the document keeps its content
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateHandlers = make(map[int]UpdateHandler)
	d.observers = make(map[int]Observer)
}

// StateVector returns a copy of the highest contiguous seq seen per client
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.clone()
}

func (d *Doc) EncodeStateVector() []byte {
	return d.StateVector().Encode()
}

// EncodeStateAsUpdate encodes every integrated operation the remote state
// vector has not seen. A nil vector encodes the whole document.
func (d *Doc) EncodeStateAsUpdate(remote []byte) ([]byte, error) {
	sv := StateVector{}
	if len(remote) > 0 {
		decoded, err := DecodeStateVector(remote)
		if err != nil {
			return nil, err
		}
		sv = decoded
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var missing []Op
	for _, op := range d.log {
		if op.ID.Seq > sv[op.ID.Client] {
			missing = append(missing, op)
		}
	}
	return encodeOps(missing), nil
}

// PendingCount reports operations waiting for missing dependencies
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ApplyUpdate integrates a remote update. Operations already seen are
// ignored; operations with missing dependencies are buffered.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return err
		}
	}

	d.mu.Lock()
	applied := d.integrateRemote(ops)
	handlers, observers := d.snapshotHandlers()
	d.mu.Unlock()

	dispatch(applied, origin, false, handlers, observers)
	return nil
}

func (op Op) validate() error {
	if op.ID.Client == 0 || op.ID.Seq == 0 {
		return ErrMalformedUpdate
	}
	if op.Kind != OpInsert && op.Kind != OpDelete {
		return ErrMalformedUpdate
	}
	if op.Kind == OpDelete && op.Ref.IsZero() {
		return ErrMalformedUpdate
	}
	return nil
}

func (d *Doc) transact(origin any, fn func() []Op) {
	d.mu.Lock()
	ops := fn()
	handlers, observers := d.snapshotHandlers()
	d.mu.Unlock()

	dispatch(ops, origin, true, handlers, observers)
}

func (d *Doc) snapshotHandlers() ([]UpdateHandler, []Observer) {
	// map iteration order is random; keep registration order
	hids := make([]int, 0, len(d.updateHandlers))
	for id := range d.updateHandlers {
		hids = append(hids, id)
	}
	sort.Ints(hids)
	handlers := make([]UpdateHandler, 0, len(hids))
	for _, id := range hids {
		handlers = append(handlers, d.updateHandlers[id])
	}

	oids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		oids = append(oids, id)
	}
	sort.Ints(oids)
	observers := make([]Observer, 0, len(oids))
	for _, id := range oids {
		observers = append(observers, d.observers[id])
	}
	return handlers, observers
}

func dispatch(ops []Op, origin any, local bool, handlers []UpdateHandler, observers []Observer) {
	if len(ops) == 0 {
		return
	}
	update := encodeOps(ops)
	for _, h := range handlers {
		h(update, origin)
	}

	seen := make(map[string]bool)
	var texts []string
	for _, op := range ops {
		if !seen[op.Text] {
			seen[op.Text] = true
			texts = append(texts, op.Text)
		}
	}
	ev := Event{Texts: texts, Origin: origin, Local: local}
	for _, o := range observers {
		o(ev)
	}
}

func (d *Doc) sequenceFor(name string) *sequence {
	s, ok := d.texts[name]
	if !ok {
		s = newSequence()
		d.texts[name] = s
	}
	return s
}

func (d *Doc) canApply(op Op) bool {
	if op.ID.Seq != d.sv[op.ID.Client]+1 {
		return false
	}
	if op.Kind == OpInsert && op.Ref.IsZero() {
		return true
	}
	s, ok := d.texts[op.Text]
	return ok && s.byID[op.Ref] != nil
}

func (d *Doc) integrate(op Op) {
	d.sv[op.ID.Client] = op.ID.Seq
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	s := d.sequenceFor(op.Text)

	switch op.Kind {
	case OpInsert:
		pos := 0
		if !op.Ref.IsZero() {
			pos = s.indexOf(op.Ref) + 1
		}
		for pos < len(s.items) && s.items[pos].precedes(op) {
			pos++
		}
		it := &item{id: op.ID, lamport: op.Lamport, value: op.Value}
		s.items = append(s.items, nil)
		copy(s.items[pos+1:], s.items[pos:])
		s.items[pos] = it
		s.byID[op.ID] = it
	case OpDelete:
		if it := s.byID[op.Ref]; it != nil {
			it.deleted = true
		}
	}
	d.log = append(d.log, op)
}

func (d *Doc) integrateRemote(ops []Op) []Op {
	queue := make([]Op, 0, len(d.pending)+len(ops))
	queue = append(queue, d.pending...)
	queue = append(queue, ops...)

	var applied []Op
	for progress := true; progress; {
		progress = false
		buffered := make(map[ID]bool)
		rest := make([]Op, 0, len(queue))
		for _, op := range queue {
			if op.ID.Seq <= d.sv[op.ID.Client] || buffered[op.ID] {
				continue
			}
			if d.canApply(op) {
				d.integrate(op)
				applied = append(applied, op)
				progress = true
				continue
			}
			buffered[op.ID] = true
			rest = append(rest, op)
		}
		queue = rest
	}
	d.pending = queue
	return applied
}

func (d *Doc) nextOp(kind OpKind, text string, ref ID, value rune) Op {
	d.seq = d.sv[d.clientID] + 1
	d.lamport++
	return Op{
		Kind:    kind,
		ID:      ID{Client: d.clientID, Seq: d.seq},
		Lamport: d.lamport,
		Text:    text,
		Ref:     ref,
		Value:   value,
	}
}

func (d *Doc) localInsert(name string, pos int, value string) []Op {
	s := d.sequenceFor(name)
	if pos < 0 {
		pos = 0
	}
	if n := s.length(); pos > n {
		pos = n
	}

	var ref ID
	if pos > 0 {
		ref = s.items[s.visibleAt(pos-1)].id
	}
	ops := make([]Op, 0, len(value))
	for _, r := range value {
		op := d.nextOp(OpInsert, name, ref, r)
		d.integrate(op)
		ops = append(ops, op)
		ref = op.ID
	}
	return ops
}

func (d *Doc) localDelete(name string, pos, length int) []Op {
	s := d.sequenceFor(name)
	if pos < 0 {
		length += pos
		pos = 0
	}
	if length <= 0 {
		return nil
	}

	var targets []ID
	for i := pos; i < pos+length; i++ {
		idx := s.visibleAt(i)
		if idx < 0 {
			break
		}
		targets = append(targets, s.items[idx].id)
	}
	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := d.nextOp(OpDelete, name, target, 0)
		d.integrate(op)
		ops = append(ops, op)
	}
	return ops
}

// Text is a handle on one named text of a document
type Text struct {
	doc  *Doc
	name string
}

func (t *Text) Name() string {
	return t.name
}

func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	if s, ok := t.doc.texts[t.name]; ok {
		return s.String()
	}
	return ""
}

// Len returns the number of visible characters (runes)
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	if s, ok := t.doc.texts[t.name]; ok {
		return s.length()
	}
	return 0
}

// Insert inserts value at rune position pos (clamped to the text bounds)
func (t *Text) Insert(pos int, value string) {
	if value == "" {
		return
	}
	t.doc.transact(nil, func() []Op {
		return t.doc.localInsert(t.name, pos, value)
	})
}

// Delete removes up to length runes starting at pos
func (t *Text) Delete(pos, length int) {
	t.doc.transact(nil, func() []Op {
		return t.doc.localDelete(t.name, pos, length)
	})
}
