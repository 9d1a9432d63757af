package collab

import "github.com/ravipandeydu/interview-pro-sub000/internal/models"

// NoteSession is the shared editor of an interview note
type NoteSession struct {
	*session
}

func NewNoteSession(noteID string, opts Options) *NoteSession {
	opts.DocumentID = noteID
	opts.InitialLanguage = ""
	return &NoteSession{session: newSession(models.DomainNote, opts)}
}

func (s *NoteSession) Update(content string) {
	s.edit(textContent, func() bool { return s.content.ApplyDiff(content) })
}

// SetTitle edits the note title; it lives in the shared document too
func (s *NoteSession) SetTitle(title string) {
	s.edit(textTitle, func() bool { return s.title.ApplyDiff(title) })
}
