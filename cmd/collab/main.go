// Command collab is a headless collaborator: it opens a code or note
// session, prints what other participants do and applies each stdin line
// as the new content.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
	"github.com/ravipandeydu/interview-pro-sub000/internal/autosave"
	"github.com/ravipandeydu/interview-pro-sub000/internal/collab"
	"github.com/ravipandeydu/interview-pro-sub000/internal/config"
	"github.com/ravipandeydu/interview-pro-sub000/internal/credentials"
	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/notify"
	"github.com/ravipandeydu/interview-pro-sub000/internal/provider"
	"github.com/ravipandeydu/interview-pro-sub000/internal/transport"
)

// editor is what the CLI drives, whichever kind of document is open
type editor interface {
	Open(ctx context.Context) error
	Update(content string)
	SetCursor(line, column int) error
	Save() bool
	RetrySync() error
	State() collab.State
	Subscribe(fn func(collab.State)) func()
	Close()
}

func main() {
	kind := flag.String("kind", "note", "document kind: note or code")
	docID := flag.String("id", "", "note id or interview id")
	token := flag.String("token", "", "bearer token to store before connecting")
	interviewToken := flag.String("interview-token", "", "per-interview access token to store")
	user := flag.String("user", "", "dev mode: issue a token for this user id with JWT_SECRET")
	name := flag.String("name", "", "display name")
	role := flag.String("role", "interviewer", "role announced in presence")
	color := flag.String("color", "#3b82f6", "cursor color")
	language := flag.String("language", "", "initial language of a code document")
	verbose := flag.Int("v", 0, "log verbosity")
	flag.Parse()

	logging.SetVerbosity(*verbose)
	logger := logging.Default()

	domain := models.Domain(*kind)
	if !domain.Valid() || *docID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	store, err := credentials.Open(cfg.CredentialsPath)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer store.Close()

	if err := storeTokens(cfg, store, *token, *interviewToken, *user, *name, *role, *docID); err != nil {
		log.Fatalf("❌ %v", err)
	}
	tok, err := store.Token()
	if err != nil {
		log.Fatalf("❌ No credential: pass -token, -interview-token or -user")
	}
	claims := identity(tok)
	if *name == "" {
		*name = claims.Name
	}

	roomID := domain.RoomID(*docID)
	initial, err := hydrate(cfg, tok, domain, *docID)
	switch {
	case err == nil:
		log.Printf("✓ Loaded saved content of %s (%d bytes)", roomID, len(initial.Content))
	case errors.Is(err, errNoCheckpoint):
		initial = &models.SaveCheckpoint{}
	default:
		log.Printf("⚠️  Could not load %s from the server: %v", roomID, err)
		if cached, cerr := store.LastCheckpoint(roomID); cerr == nil {
			log.Printf("   Using the copy saved locally at %s", cached.SavedAt.Format(time.RFC3339))
			initial = cached
		} else {
			initial = &models.SaveCheckpoint{}
		}
	}
	if *language != "" {
		initial.Language = *language
	}

	notes := notify.LogNotifier{Log: logger.WithName("notice")}
	channel := transport.NewManager(withLogger(transport.OptionsFromConfig(cfg, store), logger))
	defer channel.Disconnect()
	stopWatch := collab.WatchConnection(channel, notes)
	defer stopWatch()

	opts := collab.Options{
		User:            models.UserInfo{ID: claims.UserID(), Name: *name, Color: *color, Role: *role},
		InitialContent:  initial.Content,
		InitialLanguage: initial.Language,
		InitialTitle:    initial.Title,
		Transport:       channel,
		Credentials:     store,
		Provider:        provider.OptionsFromConfig(cfg),
		AutoSave:        autosave.Options{Interval: cfg.AutoSaveInterval},
		Notifier:        notes,
		Cache:           store,
		Logger:          logger,
	}

	var ed editor
	var setMeta func(string)
	if domain == models.DomainCode {
		s := collab.NewCodeSession(*docID, opts)
		ed, setMeta = s, s.SetLanguage
	} else {
		s := collab.NewNoteSession(*docID, opts)
		ed, setMeta = s, s.SetTitle
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout)
	if err := ed.Open(ctx); err != nil {
		log.Printf("⚠️  Event channel unavailable: %v (editing continues, saves wait for reconnect)", err)
	}
	cancel()
	defer ed.Close()

	unsubscribe := ed.Subscribe(printer(ed.State()))
	defer unsubscribe()

	log.Printf("✏️  Editing %s. Each line replaces the content; /save /meta <v> /cursor <l> <c> /retry /quit", roomID)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-quit:
			finish(ed)
			return
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				finish(ed)
				return
			}
			command(ed, setMeta, line)
		}
	}
}

func command(ed editor, setMeta func(string), line string) {
	switch {
	case line == "/save":
		if !ed.Save() {
			log.Println("⏳ Save already in flight or channel offline")
		}
	case line == "/retry":
		if err := ed.RetrySync(); err != nil {
			log.Printf("❌ %v", err)
		}
	case strings.HasPrefix(line, "/meta "):
		setMeta(strings.TrimPrefix(line, "/meta "))
	case strings.HasPrefix(line, "/cursor "):
		fields := strings.Fields(strings.TrimPrefix(line, "/cursor "))
		if len(fields) != 2 {
			log.Println("usage: /cursor <line> <column>")
			return
		}
		l, errL := strconv.Atoi(fields[0])
		c, errC := strconv.Atoi(fields[1])
		if errL != nil || errC != nil {
			log.Println("usage: /cursor <line> <column>")
			return
		}
		if err := ed.SetCursor(l, c); err != nil {
			log.Printf("❌ %v", err)
		}
	default:
		ed.Update(strings.ReplaceAll(line, `\n`, "\n"))
	}
}

// finish gives a pending save a moment to be acknowledged
func finish(ed editor) {
	if ed.State().Saving || ed.Save() {
		deadline := time.Now().Add(3 * time.Second)
		for ed.State().Saving && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
	}
	log.Println("👋 Bye")
}

// printer reports what changed between two states
func printer(prev collab.State) func(collab.State) {
	return func(st collab.State) {
		if st.Content != prev.Content {
			fmt.Printf("── content ──\n%s\n─────────────\n", st.Content)
		}
		if st.Title != prev.Title && st.Title != "" {
			fmt.Printf("title: %s\n", st.Title)
		}
		if st.Language != prev.Language {
			fmt.Printf("language: %s\n", st.Language)
		}
		if !participantsEqual(st.Participants, prev.Participants) {
			names := make([]string, 0, len(st.Participants))
			for _, p := range st.Participants {
				entry := p.Name
				if p.CursorPosition != nil {
					entry += fmt.Sprintf(" @%d:%d", p.CursorPosition.Line, p.CursorPosition.Column)
				}
				names = append(names, entry)
			}
			fmt.Printf("👥 %s\n", strings.Join(names, ", "))
		}
		if !st.LastSaved.Equal(prev.LastSaved) {
			fmt.Printf("💾 saved %s\n", st.LastSaved.Format(time.Kitchen))
		}
		if st.Sync != prev.Sync {
			fmt.Printf("sync: %s\n", st.Sync)
		}
		prev = st
	}
}

func participantsEqual(a, b []models.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !cursorEqual(a[i].CursorPosition, b[i].CursorPosition) {
			return false
		}
	}
	return true
}

func cursorEqual(a, b *models.CursorPosition) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func withLogger(opts transport.Options, l logr.Logger) transport.Options {
	opts.Logger = l
	return opts
}

func storeTokens(cfg *config.Config, store *credentials.Store, token, interviewToken, user, name, role, docID string) error {
	if token != "" {
		if err := store.SetToken(token); err != nil {
			return err
		}
	}
	if interviewToken != "" {
		if err := store.SetInterviewToken(interviewToken); err != nil {
			return err
		}
	}
	if user == "" {
		return nil
	}
	if cfg.JWTSecret == "" {
		return errors.New("-user needs JWT_SECRET")
	}
	if name == "" {
		name = user
	}
	interviewID := ""
	if role == auth.RoleCandidate {
		interviewID = docID
	}
	tok, err := auth.NewVerifier(cfg.JWTSecret, cfg.TokenTTL).Issue(user, name, role, interviewID)
	if err != nil {
		return err
	}
	return store.SetToken(tok)
}

// identity reads the claims of our own token without verifying it; the
// server does that
func identity(tok string) *auth.Claims {
	claims, err := auth.Unverified(tok)
	if err != nil {
		return &auth.Claims{}
	}
	return claims
}

var errNoCheckpoint = errors.New("no checkpoint saved yet")

// hydrate fetches the latest saved content before entering the room
func hydrate(cfg *config.Config, tok string, domain models.Domain, docID string) (*models.SaveCheckpoint, error) {
	endpoint, err := url.JoinPath(cfg.BackendURL, "api", "checkpoints", string(domain), docID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errNoCheckpoint
	default:
		return nil, fmt.Errorf("GET %s: status %d", endpoint, resp.StatusCode)
	}
	var cp models.SaveCheckpoint
	if err := json.NewDecoder(resp.Body).Decode(&cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
