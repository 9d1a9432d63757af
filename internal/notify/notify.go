// Package notify is the sink for user-visible notices (the toast layer).
// Collaboration components report through it and never render anything.
package notify

import (
	"sync"

	"github.com/go-logr/logr"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Action is an optional affordance attached to a notice, e.g. "Reconnect"
type Action struct {
	Label string
	Run   func()
}

type Notification struct {
	Level   Level
	Title   string
	Message string
	Action  *Action
}

type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notice
var Discard Notifier = Func(func(Notification) {})

// LogNotifier writes notices to a logger
type LogNotifier struct {
	Log logr.Logger
}

func (l LogNotifier) Notify(n Notification) {
	kv := []any{"level", n.Level, "title", n.Title}
	if n.Action != nil {
		kv = append(kv, "action", n.Action.Label)
	}
	if n.Level == LevelError {
		l.Log.Error(nil, n.Message, kv...)
		return
	}
	l.Log.Info(n.Message, kv...)
}

// Recorder keeps every notice, used by tests and the CLI status line
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}
