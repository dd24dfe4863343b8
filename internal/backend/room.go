package backend

import (
	"sync"
	"time"

	"github.com/sebas/mediahub/internal/events"
	"github.com/sebas/mediahub/internal/mediaerr"
)

// Room is one conference (FS MCU) or SFU namespace (KMS publishers and
// their listeners). Rooms come into being either explicitly through the
// External API or implicitly when the first member session starts.
type Room struct {
	ID        string
	Type      string // e.g. "video-mcu-stereo", "sfu"
	Service   string
	CreatedAt time.Time
	Members   map[string]string // session id -> role (member, publisher, listener)
}

// Rooms is the process-wide room registry shared by the FS and KMS
// adapters and read by the External API's room.* commands.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]*Room // service + "/" + room id
	bus   *events.Bus
}

// NewRooms creates an empty registry. bus may be nil in tests.
func NewRooms(bus *events.Bus) *Rooms {
	return &Rooms{rooms: make(map[string]*Room), bus: bus}
}

func roomKey(service, id string) string { return service + "/" + id }

// Ensure returns the room, creating it if needed. An existing room's type
// is not rewritten by later joins.
func (r *Rooms) Ensure(service, id, roomType string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := roomKey(service, id)
	if room, ok := r.rooms[key]; ok {
		return room
	}
	room := &Room{
		ID:        id,
		Type:      roomType,
		Service:   service,
		CreatedAt: time.Now(),
		Members:   make(map[string]string),
	}
	r.rooms[key] = room
	r.publish(room, "created")
	return room
}

// Join records a session as a member of the room, creating it if needed.
func (r *Rooms) Join(service, id, roomType, sessionID, role string) {
	room := r.Ensure(service, id, roomType)
	r.mu.Lock()
	room.Members[sessionID] = role
	r.mu.Unlock()
}

// Leave drops a session from every room it is a member of. Rooms are not
// auto-destroyed on their last member leaving; destruction is explicit.
func (r *Rooms) Leave(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range r.rooms {
		delete(room.Members, sessionID)
	}
}

// Get looks a room up.
func (r *Rooms) Get(service, id string) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomKey(service, id)]
	return room, ok
}

// Destroy removes a room.
func (r *Rooms) Destroy(service, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := roomKey(service, id)
	room, ok := r.rooms[key]
	if !ok {
		return mediaerr.ErrSessionNotFound
	}
	delete(r.rooms, key)
	r.publish(room, "destroyed")
	return nil
}

// List snapshots every room for a service.
func (r *Rooms) List(service string) []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Room
	for _, room := range r.rooms {
		if room.Service == service {
			out = append(out, room)
		}
	}
	return out
}

// publish must be called with mu held (or from Ensure/Destroy which hold
// it); the Bus itself never blocks.
func (r *Rooms) publish(room *Room, tag string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(
		events.TopicKey{Service: room.Service, Class: "media", Subclass: events.ClassRoom, InstanceID: room.ID},
		events.Event{
			SubjectID:    room.ID,
			SubjectClass: events.ClassRoom,
			Tag:          events.Tag(tag),
			Payload:      map[string]any{"room_type": room.Type},
			Timestamp:    time.Now(),
		},
	)
}
