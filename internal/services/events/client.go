package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

const sendBuffer = 256

// Client is one authenticated event-channel connection
type Client struct {
	ID        string
	User      models.AuthOK
	Transport string

	claims *auth.Claims
	log    logr.Logger
	out    chan models.Envelope
	done   chan struct{}
	once   sync.Once

	// unix nanos of the last poll; websocket clients never set it
	lastSeen atomic.Int64

	mu    sync.Mutex
	rooms map[string]bool
}

func newClient(claims *auth.Claims, user models.AuthOK, transport string, log logr.Logger) *Client {
	c := &Client{
		ID:        uuid.NewString(),
		User:      user,
		Transport: transport,
		claims:    claims,
		log:       log,
		out:       make(chan models.Envelope, sendBuffer),
		done:      make(chan struct{}),
		rooms:     make(map[string]bool),
	}
	c.touch()
	return c
}

// send queues env; a client that cannot keep up is closed
func (c *Client) send(env models.Envelope) {
	select {
	case <-c.done:
	case c.out <- env:
	default:
		c.log.Info("⚠️ client buffer full, closing connection", "client", c.ID)
		c.close()
	}
}

func (c *Client) emit(event string, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		c.log.Error(err, "encode event", "event", event)
		return
	}
	c.send(env)
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed once the client is disconnected
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) idleSince() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Client) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

func (c *Client) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

func (c *Client) summary(now time.Time) models.ParticipantSummary {
	return models.ParticipantSummary{ID: c.User.UserID, Name: c.User.UserName, Role: c.User.Role, LastActive: now}
}

func (c *Client) joinedPayload(room string) models.UserJoinedPayload {
	return models.UserJoinedPayload{RoomID: room, UserID: c.User.UserID, UserName: c.User.UserName, Role: c.User.Role}
}

// drain returns queued envelopes without waiting
func (c *Client) drain(max int) []models.Envelope {
	var batch []models.Envelope
	for len(batch) < max {
		select {
		case env := <-c.out:
			batch = append(batch, env)
		default:
			return batch
		}
	}
	return batch
}
