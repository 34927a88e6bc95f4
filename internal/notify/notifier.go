package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

// Event is a state-change signal fanned out to subscribed clients.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//   - Time is stamped by the server at publish.
//
// Data is small and JSON-serializable.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type EventType string

const (
	EventCapacityUpdate   EventType = "capacityUpdate"
	EventJobReassigned    EventType = "jobReassigned"
	EventConflictDetected EventType = "conflictDetected"
)

// Topic channels. Clients join and leave topics explicitly.
const TopicGlobal = "global"

func TechnicianTopic(id string) string { return "technician:" + id }
func DayTopic(day string) string       { return "day:" + day }
func JobTopic(id string) string        { return "job:" + id }

// CapacityUpdate is the payload of EventCapacityUpdate.
type CapacityUpdate struct {
	TechnicianID string          `json:"technicianId"`
	Date         string          `json:"date"`
	Record       capacity.Record `json:"record"`
}

// JobReassigned is the payload of EventJobReassigned.
type JobReassigned struct {
	JobID      string          `json:"jobId"`
	JobNumber  string          `json:"jobNumber"`
	FromTechID string          `json:"fromTechnicianId,omitempty"`
	ToTechID   string          `json:"toTechnicianId"`
	FromDate   string          `json:"fromDate,omitempty"`
	ToDate     string          `json:"toDate"`
	Hours      decimal.Decimal `json:"hours"`
}

// ConflictDetected is the payload of EventConflictDetected. Warning carries
// the advisor's warning verbatim.
type ConflictDetected struct {
	TechnicianID string `json:"technicianId"`
	Date         string `json:"date"`
	Warning      any    `json:"warning"`
}

type subscriber struct {
	ch     chan Event
	topics map[string]struct{}
}

// Notifier is the in-memory fanout hub. Delivery is best-effort: no durable
// queue, no acknowledgment, and publishing with no subscribers is a no-op.
//
// It intentionally does not own any background goroutines.
type Notifier struct {
	log logx.Logger

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, subs: map[uint64]*subscriber{}}
}

// Subscribe joins the given topics. A subscriber receives an event at most
// once even when it matches several of its topics. The returned unsubscribe
// func is idempotent.
func (n *Notifier) Subscribe(topics []string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer), topics: make(map[string]struct{}, len(topics))}
	for _, t := range topics {
		if t != "" {
			sub.topics[t] = struct{}{}
		}
	}

	id := n.seq.Add(1)
	n.mu.Lock()
	n.subs[id] = sub
	n.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			// Closing is safe because publish recovers from send panics.
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}

// CapacityUpdated publishes to the technician topic, the day topic and global.
func (n *Notifier) CapacityUpdated(rec capacity.Record) {
	n.publish(Event{
		Type: EventCapacityUpdate,
		Data: CapacityUpdate{TechnicianID: rec.TechnicianID, Date: rec.Day, Record: rec},
	}, TechnicianTopic(rec.TechnicianID), DayTopic(rec.Day), TopicGlobal)
}

// JobWasReassigned publishes to both technician topics and global.
func (n *Notifier) JobWasReassigned(ev JobReassigned) {
	topics := []string{TechnicianTopic(ev.ToTechID), TopicGlobal}
	if ev.FromTechID != "" && ev.FromTechID != ev.ToTechID {
		topics = append(topics, TechnicianTopic(ev.FromTechID))
	}
	n.publish(Event{Type: EventJobReassigned, Data: ev}, topics...)
}

// ConflictFound publishes to the technician topic and global.
func (n *Notifier) ConflictFound(technicianID, date string, warning any) {
	n.publish(Event{
		Type: EventConflictDetected,
		Data: ConflictDetected{TechnicianID: technicianID, Date: date, Warning: warning},
	}, TechnicianTopic(technicianID), TopicGlobal)
}

func (n *Notifier) publish(e Event, topics ...string) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot matching subscribers so publish doesn't hold locks while
	// attempting sends.
	n.mu.RLock()
	targets := make([]*subscriber, 0, len(n.subs))
	for _, sub := range n.subs {
		for _, t := range topics {
			if _, ok := sub.topics[t]; ok {
				targets = append(targets, sub)
				break
			}
		}
	}
	n.mu.RUnlock()

	for _, sub := range targets {
		// Non-blocking delivery. If the subscriber is slow, we drop.
		// If it unsubscribes concurrently and the channel closes, recover
		// from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case sub.ch <- e:
			default:
				n.log.Debug("notify: dropped event for slow subscriber", logx.String("type", string(e.Type)))
			}
		}()
	}
}
