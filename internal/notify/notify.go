// Package notify delivers lifecycle messages through zero or more channels.
//
// Delivery is fire-and-forget: a Notifier never returns an error and must be
// safe to call when no channel is configured.
package notify

import (
	"sync"

	"github.com/loykin/rtmsm/internal/logger"
)

// Message is one notification. Terminal is the line shown in the console
// log; Title and Body feed richer channels such as popups or webhooks.
type Message struct {
	Terminal string
	Title    string
	Body     string
}

// Notifier is implemented by every delivery channel.
// Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(m Message)
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(Message) {}

// Func adapts a function to Notifier.
type Func func(m Message)

func (f Func) Notify(m Message) {
	if f != nil {
		f(m)
	}
}

// Terminal writes the Terminal text of each message to a log sink.
type Terminal struct {
	Log logger.LogFunc
}

func (t Terminal) Notify(m Message) {
	if t.Log == nil || m.Terminal == "" {
		return
	}
	t.Log(m.Terminal)
}

// Multi fans a message out to every channel. A panicking channel does not
// prevent delivery to the others.
type Multi struct {
	mu       sync.RWMutex
	channels []Notifier
}

// NewMulti returns a fan-out over the non-nil channels.
func NewMulti(channels ...Notifier) *Multi {
	m := &Multi{}
	for _, c := range channels {
		m.Add(c)
	}
	return m
}

// Add registers another channel.
func (m *Multi) Add(c Notifier) {
	if c == nil {
		return
	}
	m.mu.Lock()
	m.channels = append(m.channels, c)
	m.mu.Unlock()
}

// Len returns the number of registered channels.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

func (m *Multi) Notify(msg Message) {
	if m == nil {
		return
	}
	m.mu.RLock()
	channels := append([]Notifier(nil), m.channels...)
	m.mu.RUnlock()
	for _, c := range channels {
		deliver(c, msg)
	}
}

func deliver(c Notifier, msg Message) {
	defer func() { _ = recover() }()
	c.Notify(msg)
}

// Recorder keeps every message it receives.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Notify(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

// Messages returns a copy of the received messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Terminals returns the Terminal text of the received messages.
func (r *Recorder) Terminals() []string {
	msgs := r.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Terminal
	}
	return out
}
