package broadcast

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shardCount = 32

// DefaultSendBuffer is the per-session outbound frame buffer. A session
// that falls this far behind starts losing frames (at-most-once delivery);
// the client reconciles by re-fetching on reconnect.
const DefaultSendBuffer = 64

// Session is one authenticated connection's subscription handle. Frames are
// consumed from Receive by the transport's write loop.
type Session struct {
	ID     string
	UserID int64

	send chan []byte
	done chan struct{}

	mu    sync.Mutex
	rooms map[Room]struct{}
}

func NewSession(userID int64, buffer int) *Session {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		rooms:  make(map[Room]struct{}),
	}
}

// Receive yields outbound frames until the session is unregistered.
func (s *Session) Receive() <-chan []byte { return s.send }

// Done is closed when the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// In reports whether the session currently belongs to room.
func (s *Session) In(room Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) trackJoin(room Room) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) trackLeave(room Room) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

func (s *Session) snapshotRooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]Room, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Broadcaster is an in-memory room-based publish layer. The room map is
// sharded by room key so concurrent join/leave/publish on unrelated rooms
// never serialize on a single lock.
type Broadcaster struct {
	logger *zap.SugaredLogger
	shards [shardCount]*shard
}

type shard struct {
	mu    sync.RWMutex
	rooms map[Room]map[*Session]struct{}
}

func New(logger *zap.SugaredLogger) *Broadcaster {
	b := &Broadcaster{logger: logger}
	for i := range b.shards {
		b.shards[i] = &shard{rooms: make(map[Room]map[*Session]struct{})}
	}
	return b
}

func (b *Broadcaster) shardFor(room Room) *shard {
	h := fnv.New32a()
	h.Write([]byte(room))
	return b.shards[h.Sum32()%shardCount]
}

// Register joins the session to its own user room. Chat rooms require an
// explicit, membership-checked Join.
func (b *Broadcaster) Register(s *Session) {
	b.Join(s, UserRoom(s.UserID))
	b.logger.Debugf("session %s registered for user %d", s.ID, s.UserID)
}

// Unregister removes the session from every room and stops delivery. A
// disconnecting client simply stops receiving; nothing is queued.
func (b *Broadcaster) Unregister(s *Session) {
	for _, room := range s.snapshotRooms() {
		b.Leave(s, room)
	}
	close(s.done)
	b.logger.Debugf("session %s unregistered", s.ID)
}

func (b *Broadcaster) Join(s *Session, room Room) {
	sh := b.shardFor(room)
	sh.mu.Lock()
	subs, ok := sh.rooms[room]
	if !ok {
		subs = make(map[*Session]struct{})
		sh.rooms[room] = subs
	}
	subs[s] = struct{}{}
	sh.mu.Unlock()
	s.trackJoin(room)
}

func (b *Broadcaster) Leave(s *Session, room Room) {
	sh := b.shardFor(room)
	sh.mu.Lock()
	if subs, ok := sh.rooms[room]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(sh.rooms, room)
		}
	}
	sh.mu.Unlock()
	s.trackLeave(room)
}

// PublishOption tunes a single Publish call.
type PublishOption func(*publishConfig)

type publishConfig struct {
	excludeUser int64
	hasExclude  bool
}

// ExcludeUser suppresses delivery to the acting user's own sessions, e.g.
// message_read echoes.
func ExcludeUser(userID int64) PublishOption {
	return func(c *publishConfig) {
		c.excludeUser = userID
		c.hasExclude = true
	}
}

// Publish fans ev out to every session subscribed to any of its rooms.
// Callers invoke it strictly after their transaction commits; failures here
// are logged and swallowed, never surfaced, and a slow session's frame is
// dropped rather than retried.
func (b *Broadcaster) Publish(ev Event, opts ...PublishOption) {
	var cfg publishConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	frame, err := Marshal(ev)
	if err != nil {
		b.logger.Errorw("marshaling event", "type", ev.EventType(), "err", err)
		return
	}

	seen := make(map[*Session]struct{})
	for _, room := range ev.EventRooms() {
		sh := b.shardFor(room)
		sh.mu.RLock()
		for s := range sh.rooms[room] {
			if cfg.hasExclude && s.UserID == cfg.excludeUser {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			select {
			case s.send <- frame:
			case <-s.done:
			default:
				b.logger.Warnw("dropping frame for slow session",
					"session", s.ID, "user", s.UserID, "type", ev.EventType())
			}
		}
		sh.mu.RUnlock()
	}
}
