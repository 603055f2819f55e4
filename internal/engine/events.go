package engine

import "sync"

// Event is an engine output consumed by any front end.
type Event interface {
	Kind() string
}

// DeviceFound reports a discovery reply.
type DeviceFound struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Model   string `json:"model"`
}

// StatusUpdate is a human-readable printer state.
type StatusUpdate struct {
	Text        string `json:"text"`
	Layer       int    `json:"layer"`
	TotalLayers int    `json:"totalLayers"`
	Filename    string `json:"filename"`
}

// UploadProgress is the printer-side download progress in percent.
type UploadProgress struct {
	Percent int `json:"percent"`
}

// ConnectionReady fires once the printer has subscribed and the handshake is sent.
type ConnectionReady struct{}

// FileReadyToPrint reports a completed transfer sitting on an idle printer.
type FileReadyToPrint struct {
	Filename string `json:"filename"`
}

// ModelDetected reports the machine name from an attributes message.
type ModelDetected struct {
	Model string `json:"model"`
}

// LogMessage is a user-facing notice.
type LogMessage struct {
	Text string `json:"text"`
}

func (DeviceFound) Kind() string      { return "DeviceFound" }
func (StatusUpdate) Kind() string     { return "StatusUpdate" }
func (UploadProgress) Kind() string   { return "UploadProgress" }
func (ConnectionReady) Kind() string  { return "ConnectionReady" }
func (FileReadyToPrint) Kind() string { return "FileReadyToPrint" }
func (ModelDetected) Kind() string    { return "ModelDetected" }
func (LogMessage) Kind() string       { return "LogMessage" }

// Bus fans events out to subscribers. Each subscriber has a bounded queue;
// when it is full the oldest event is dropped so Publish never blocks.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
}

// NewBus creates a Bus with per-subscriber queues of the given capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bus{subs: make(map[*Subscription]struct{}), capacity: capacity}
}

// Subscription receives events on C until Close.
type Subscription struct {
	C   <-chan Event
	ch  chan Event
	bus *Bus
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, b.capacity)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unregisters the subscriber and closes C.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Publish delivers ev to every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}
