package collab

import "github.com/ravipandeydu/interview-pro-sub000/internal/models"

// CodeSession is the shared editor of an interview's code pad
type CodeSession struct {
	*session
}

// NewCodeSession binds a session to room code-<interviewID>
func NewCodeSession(interviewID string, opts Options) *CodeSession {
	opts.DocumentID = interviewID
	if opts.InitialLanguage == "" {
		opts.InitialLanguage = "javascript"
	}
	return &CodeSession{session: newSession(models.DomainCode, opts)}
}

// Update replaces the code with content. Only the changed range reaches the
// shared document.
func (s *CodeSession) Update(content string) {
	s.edit(textContent, func() bool { return s.content.ApplyDiff(content) })
}

// SetLanguage changes the language announced with every update and save
func (s *CodeSession) SetLanguage(language string) {
	s.setLanguage(language)
}
