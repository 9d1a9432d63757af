// Package collab composes the event channel, room membership, CRDT sync,
// presence and auto-save into one session per open document.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ravipandeydu/interview-pro-sub000/internal/autosave"
	"github.com/ravipandeydu/interview-pro-sub000/internal/credentials"
	"github.com/ravipandeydu/interview-pro-sub000/internal/crdt"
	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/notify"
	"github.com/ravipandeydu/interview-pro-sub000/internal/presence"
	"github.com/ravipandeydu/interview-pro-sub000/internal/provider"
	"github.com/ravipandeydu/interview-pro-sub000/internal/room"
	"github.com/ravipandeydu/interview-pro-sub000/internal/transport"
)

/*
COLLABORATIVE SESSION

  Open:  connect channel → join room → open CRDT provider → publish presence → start auto-save
  Close: stop auto-save → drop listeners → leave room → close provider

Content lives in the CRDT document. The event channel carries membership,
save requests and acks, plus a coarse copy of every edit for peers whose
CRDT channel is down. The two channels fail and recover independently and
their states are reported separately.

A coarse copy never becomes document operations: it is shown in State
until the CRDT channel syncs again. Written into the document it would
come back from the server as a second copy of the author's text. For the
same reason the initial content is only inserted into a document known to
be empty, after a completed sync.
*/

var (
	ErrSessionClosed = errors.New("collab: session closed")
	ErrAlreadyOpen   = errors.New("collab: session already open")
)

const (
	textContent = "content"
	textTitle   = "title"
)

// Transport is what a session needs from the shared connection manager
type Transport interface {
	room.Channel
	Connect(ctx context.Context) error
	Connected() bool
	OnConnectionStatusChange(fn func(transport.StatusEvent)) func()
}

// CheckpointCache keeps the last acknowledged save per room on disk
type CheckpointCache interface {
	SaveCheckpoint(cp *models.SaveCheckpoint) error
}

type Options struct {
	DocumentID string
	User       models.UserInfo

	InitialContent  string
	InitialLanguage string
	InitialTitle    string

	Transport   Transport
	Credentials credentials.Source
	Provider    provider.Options
	AutoSave    autosave.Options
	Notifier    notify.Notifier
	Cache       CheckpointCache
	Logger      logr.Logger
}

// State is everything the UI renders for a session
type State struct {
	Content  string
	Language string
	Title    string

	// Participants are remote clients rendering the document
	Participants []models.Participant
	// Members are the room members announced on the event channel
	Members []models.ParticipantSummary

	Loading     bool
	Saving      bool
	Err         error
	SaveErr     error
	LastSaved   time.Time
	LastSavedBy *models.ParticipantSummary

	Channel transport.Status
	Sync    provider.Status
}

type session struct {
	domain models.Domain
	opts   Options
	log    logr.Logger

	doc      *crdt.Doc
	content  *crdt.Text
	title    *crdt.Text
	room     *room.Controller
	prov     *provider.Provider
	presence *presence.Tracker
	saver    *autosave.Coordinator

	mu        sync.Mutex
	opened    bool
	closed    bool
	seeded    bool
	coarse    map[string]string // text name -> content relayed on the event channel
	language  string
	state     State
	subs      map[int]func(State)
	nextSub   int
	listeners []*transport.Listener
	offs      []func()

	closeOnce sync.Once
}

func newSession(domain models.Domain, opts Options) *session {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	// room and provider name the room on each line themselves
	base := logging.OrDefault(opts.Logger).WithName("collab")
	log := base.WithValues("room", domain.RoomID(opts.DocumentID))

	s := &session{
		domain:   domain,
		opts:     opts,
		log:      log,
		doc:      crdt.NewDoc(),
		language: opts.InitialLanguage,
		subs:     make(map[int]func(State)),
		coarse:   make(map[string]string),
	}
	s.content = s.doc.Text(textContent)
	s.title = s.doc.Text(textTitle)
	s.state = State{
		Content:  opts.InitialContent,
		Language: opts.InitialLanguage,
		Title:    opts.InitialTitle,
		Loading:  true,
		Channel:  transport.StatusIdle,
		Sync:     provider.StatusIdle,
	}

	s.room = room.NewController(opts.Transport, domain,
		room.WithLogger(base),
		room.OnJoined(func(p models.ParticipantSummary) {
			opts.Notifier.Notify(notify.Notification{Level: notify.LevelInfo, Title: p.Name + " joined"})
		}),
		room.OnLeft(func(p models.ParticipantSummary) {
			opts.Notifier.Notify(notify.Notification{Level: notify.LevelInfo, Title: p.Name + " left"})
		}),
	)

	provOpts := opts.Provider
	provOpts.Logger = base
	provOpts.OnStatus = s.onSyncStatus
	provOpts.OnSynced = s.onSynced
	provOpts.OnConnectionError = s.onSyncError
	s.prov = provider.New(s.doc, provOpts)
	s.presence = presence.New(s.prov.Awareness(), presence.WithLogger(log))

	saveOpts := opts.AutoSave
	saveOpts.Notifier = opts.Notifier
	saveOpts.Logger = log
	saveOpts.OnChange = s.onSaveState
	s.saver = autosave.New(s.emitSave, saveOpts)
	return s
}

// Open runs the mount sequence. A failing event channel does not stop the
// CRDT channel from opening; both failures end up in State.
func (s *session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.opened = true
	s.mu.Unlock()

	t := s.opts.Transport
	var channelErr error
	if !t.Connected() {
		if err := t.Connect(ctx); err != nil {
			channelErr = err
			s.log.Error(err, "event channel unavailable, continuing with sync only")
		}
	}

	s.room.Join(s.opts.DocumentID)
	s.listen()

	first := true
	offStatus := t.OnConnectionStatusChange(func(ev transport.StatusEvent) {
		s.update(func(st *State) { st.Channel = ev.Status })
		if ev.Status == transport.StatusConnected && !first {
			// the server forgot us with the old connection
			s.room.Join(s.opts.DocumentID)
		}
		first = false
	})
	offObserve := s.doc.Observe(func(ev crdt.Event) { s.refresh() })
	offPresence := s.presence.Subscribe(func(ps []models.Participant) {
		s.update(func(st *State) { st.Participants = ps })
	})
	offMembers := s.room.Subscribe(func(ms []models.ParticipantSummary) {
		s.update(func(st *State) { st.Members = ms })
	})
	s.mu.Lock()
	s.offs = append(s.offs, offStatus, offObserve, offPresence, offMembers)
	s.mu.Unlock()

	token, err := s.token()
	if err == nil {
		err = s.prov.Open(s.domain.RoomID(s.opts.DocumentID), token)
	}
	if err != nil {
		s.onSyncError(err)
	}

	if err := s.presence.SetLocalPresence(s.opts.User); err != nil {
		s.log.Error(err, "publish presence")
	}
	s.saver.Start()

	if channelErr != nil {
		s.update(func(st *State) { st.Err = channelErr })
	}
	return channelErr
}

func (s *session) token() (string, error) {
	if s.opts.Credentials == nil {
		return "", credentials.ErrNoCredential
	}
	return s.opts.Credentials.Token()
}

// RetrySync reopens the CRDT channel after it gave up
func (s *session) RetrySync() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	token, err := s.token()
	if err != nil {
		return err
	}
	if err := s.prov.Open(s.domain.RoomID(s.opts.DocumentID), token); err != nil {
		return err
	}
	s.update(func(st *State) { st.Err = nil })
	return nil
}

func (s *session) listen() {
	t := s.opts.Transport
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners,
		t.On(s.domain.UpdatedEvent(), s.handleUpdated),
		t.On(s.domain.Event(models.EventSaved), s.handleSaved),
		t.On(s.domain.Event(models.EventSaveError), s.handleSaveError),
	)
}

// handleUpdated shows a coarse edit from the event channel. While the CRDT
// channel is up it is authoritative and the copy is ignored.
func (s *session) handleUpdated(payload json.RawMessage) {
	var roomID, content, title, language string
	var hasTitle bool
	switch s.domain {
	case models.DomainCode:
		var p models.CodeUpdatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		roomID, content, language = p.RoomID, p.Code, p.Language
	default:
		var p models.NoteUpdatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		roomID, content, title, hasTitle = p.RoomID, p.Content, p.Title, true
	}
	if !s.room.Owns(roomID) {
		return
	}

	if language != "" {
		s.mu.Lock()
		s.language = language
		s.mu.Unlock()
		s.refresh()
	}
	if s.prov.Status() == provider.StatusConnected {
		return
	}
	s.mu.Lock()
	s.coarse[textContent] = content
	if hasTitle {
		s.coarse[textTitle] = title
	}
	s.mu.Unlock()
	s.refresh()
}

func (s *session) handleSaved(payload json.RawMessage) {
	var p models.SavedPayload
	if err := json.Unmarshal(payload, &p); err != nil || !s.room.Owns(p.RoomID) {
		return
	}
	s.saver.Ack()
	s.update(func(st *State) { st.LastSavedBy = p.SavedBy })

	if s.opts.Cache != nil {
		snap := s.snapshot()
		cp := &models.SaveCheckpoint{
			RoomID:     s.domain.RoomID(s.opts.DocumentID),
			Domain:     s.domain,
			DocumentID: s.opts.DocumentID,
			Content:    snap.Content,
			Title:      snap.Title,
			Language:   snap.Language,
			SavedAt:    p.Timestamp,
		}
		cp.SetSavedBy(p.SavedBy)
		if err := s.opts.Cache.SaveCheckpoint(cp); err != nil {
			s.log.Error(err, "cache checkpoint")
		}
	}
}

func (s *session) handleSaveError(payload json.RawMessage) {
	var p models.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil || !s.room.Owns(p.RoomID) {
		return
	}
	s.saver.Fail(errors.New(p.Message))
}

// edit routes a full-text change of text through the CRDT, mirrors it on
// the event channel and restarts the auto-save debounce. text is empty for
// changes outside the document.
func (s *session) edit(text string, apply func() bool) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || !apply() {
		return
	}
	if text != "" {
		s.mu.Lock()
		_, shown := s.coarse[text]
		delete(s.coarse, text)
		s.mu.Unlock()
		if shown {
			s.refresh()
		}
	}
	s.opts.Transport.Emit(s.domain.UpdateEvent(), s.payload())
	s.saver.Touch()
}

func (s *session) setLanguage(language string) {
	s.edit("", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.language == language {
			return false
		}
		s.language = language
		return true
	})
	s.refresh()
}

func (s *session) emitSave() bool {
	return s.opts.Transport.Emit(s.domain.SaveEvent(), s.payload())
}

// payload carries what the user sees, so a save before the first sync
// cannot blank the stored copy
func (s *session) payload() any {
	content, title := s.content.String(), s.title.String()
	s.mu.Lock()
	language := s.language
	content = s.shownLocked(textContent, content, s.opts.InitialContent)
	title = s.shownLocked(textTitle, title, s.opts.InitialTitle)
	s.mu.Unlock()
	if s.domain == models.DomainCode {
		return models.CodeUpdatePayload{
			InterviewID: s.opts.DocumentID,
			Code:        content,
			Language:    language,
		}
	}
	return models.NoteUpdatePayload{
		NoteID:  s.opts.DocumentID,
		Content: content,
		Title:   title,
	}
}

func (s *session) onSyncStatus(st provider.Status) {
	s.update(func(state *State) { state.Sync = st })
}

// onSynced drops the coarse copies and seeds the initial content into an
// empty room
func (s *session) onSynced() {
	s.mu.Lock()
	s.coarse = make(map[string]string)
	s.mu.Unlock()
	s.seed()
	s.refresh()
	s.update(func(st *State) {
		st.Loading = false
		st.Err = nil
	})
}

// onSyncError leaves the document alone; State keeps showing the initial
// content until a sync tells whether the room already has some
func (s *session) onSyncError(err error) {
	s.update(func(st *State) {
		st.Loading = false
		st.Err = err
	})
}

func (s *session) seed() {
	s.mu.Lock()
	if s.seeded || s.closed {
		s.mu.Unlock()
		return
	}
	s.seeded = true
	s.mu.Unlock()

	if s.content.Len() == 0 && s.opts.InitialContent != "" {
		s.content.Insert(0, s.opts.InitialContent)
	}
	if s.domain == models.DomainNote && s.title.Len() == 0 && s.opts.InitialTitle != "" {
		s.title.Insert(0, s.opts.InitialTitle)
	}
	s.refresh()
}

func (s *session) onSaveState(st autosave.State) {
	s.update(func(state *State) {
		state.Saving = st.Saving
		state.SaveErr = st.Err
		state.LastSaved = st.LastSaved
	})
}

// refresh re-reads the document into State
func (s *session) refresh() {
	content, title := s.content.String(), s.title.String()
	s.update(func(st *State) {
		s.fillDocLocked(st, content, title)
	})
}

// fillDocLocked shows, in order: a coarse copy from the event channel, the
// document once it is seeded or holds text, the initial values
func (s *session) fillDocLocked(st *State, content, title string) {
	st.Content = s.shownLocked(textContent, content, s.opts.InitialContent)
	st.Title = s.shownLocked(textTitle, title, s.opts.InitialTitle)
	st.Language = s.language
}

func (s *session) shownLocked(text, doc, initial string) string {
	if c, ok := s.coarse[text]; ok {
		return c
	}
	if s.seeded || doc != "" {
		return doc
	}
	return initial
}

func (s *session) update(fn func(*State)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn(&s.state)
	state := s.copyStateLocked()
	subs := s.subscribersLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		sub(state)
	}
}

func (s *session) snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyStateLocked()
}

func (s *session) copyStateLocked() State {
	st := s.state
	st.Participants = append([]models.Participant(nil), s.state.Participants...)
	st.Members = append([]models.ParticipantSummary(nil), s.state.Members...)
	return st
}

func (s *session) subscribersLocked() []func(State) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(State), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id])
	}
	return out
}

// Subscribe calls fn with the state after every change
func (s *session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close runs the unmount sequence. It is safe to call more than once and
// from any goroutine.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.subs = make(map[int]func(State))
		listeners := s.listeners
		offs := s.offs
		s.listeners, s.offs = nil, nil
		s.mu.Unlock()

		s.saver.Stop()
		for _, l := range listeners {
			s.opts.Transport.Off(l)
		}
		for _, off := range offs {
			off()
		}
		s.presence.Close()
		s.room.Leave(s.opts.DocumentID)
		s.prov.Close()
		s.log.V(1).Info("session closed")
	})
}

// Resources counts what an open session holds; all zero after Close
type Resources struct {
	ChannelListeners int
	RoomListeners    int
	DocHandlers      int
	PresenceHandlers int
	Timers           int
}

func (s *session) Resources() Resources {
	s.mu.Lock()
	channel := len(s.listeners) + len(s.offs)
	s.mu.Unlock()
	return Resources{
		ChannelListeners: channel,
		RoomListeners:    s.room.ListenerCount(),
		DocHandlers:      s.doc.HandlerCount(),
		PresenceHandlers: s.prov.Awareness().HandlerCount() + s.presence.ListenerCount(),
		Timers:           s.saver.PendingTimers(),
	}
}

func (s *session) State() State {
	return s.snapshot()
}

func (s *session) SetCursor(line, column int) error {
	return s.presence.SetCursor(models.CursorPosition{Line: line, Column: column})
}

// Save asks for an immediate save; it is a no-op while one is in flight
func (s *session) Save() bool {
	return s.saver.SaveNow()
}

func (s *session) Doc() *crdt.Doc {
	return s.doc
}
