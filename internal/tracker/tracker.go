package tracker

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// capacity bounds the ring buffer of retained interactions.
const capacity = 20

// Message is one turn inside an interaction. The concrete variants are
// the only implementations.
type Message interface {
	isMessage()
	Render() string
}

// UserMessage is a turn authored by the user.
type UserMessage struct {
	Text string `json:"text"`
}

// SystemMessage is a turn injected by the backend itself.
type SystemMessage struct {
	Text string `json:"text"`
}

// ToolCallMessage records the agent invoking a tool.
type ToolCallMessage struct {
	Tool string `json:"tool"`
	Args string `json:"args"`
}

// ToolResultMessage records a tool's output.
type ToolResultMessage struct {
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

func (UserMessage) isMessage()       {}
func (SystemMessage) isMessage()     {}
func (ToolCallMessage) isMessage()   {}
func (ToolResultMessage) isMessage() {}

func (m UserMessage) Render() string   { return "user: " + m.Text }
func (m SystemMessage) Render() string { return "system: " + m.Text }

func (m ToolCallMessage) Render() string {
	return fmt.Sprintf("tool call %s(%s)", m.Tool, m.Args)
}

func (m ToolResultMessage) Render() string {
	return fmt.Sprintf("tool result %s: %s", m.Tool, m.Result)
}

// Interaction is one recorded exchange with its turns in order.
type Interaction struct {
	ID         string    `json:"id"`
	Messages   []Message `json:"messages"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Render flattens the interaction into one line per turn.
func (i *Interaction) Render() string {
	lines := make([]string, len(i.Messages))
	for j, m := range i.Messages {
		lines[j] = m.Render()
	}
	return strings.Join(lines, "\n")
}

// Tracker keeps the most recent interactions in a fixed-capacity ring
// buffer. Once full, recording a new interaction evicts the oldest. Ids
// are assigned from a monotonic counter and never reused, so a caller
// holding a stale id simply misses.
type Tracker struct {
	mu      sync.Mutex
	entries []*Interaction
	next    int
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// Record stores an interaction and returns its assigned id.
func (t *Tracker) Record(messages []Message) *Interaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	in := &Interaction{
		ID:         fmt.Sprintf("interaction_%d", t.next),
		Messages:   messages,
		RecordedAt: time.Now().UTC(),
	}
	t.entries = append(t.entries, in)
	if len(t.entries) > capacity {
		t.entries = t.entries[len(t.entries)-capacity:]
	}
	return in
}

// Get returns the interaction by id, or nil when evicted or unknown.
func (t *Tracker) Get(id string) *Interaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, in := range t.entries {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// Recent returns the retained interactions, newest first.
func (t *Tracker) Recent() []*Interaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Interaction, len(t.entries))
	for i, in := range t.entries {
		out[len(t.entries)-1-i] = in
	}
	return out
}

// Len returns how many interactions are retained.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops every retained interaction. The id counter keeps counting.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}
