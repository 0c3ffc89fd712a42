package events

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rewardmesh/rewardmesh/pkg/config"
	"github.com/rewardmesh/rewardmesh/pkg/types"
)

type EventType string

const (
	EventRewardRecorded       EventType = "reward.recorded"
	EventTierChanged          EventType = "tier.changed"
	EventTaskCreated          EventType = "task.created"
	EventSignatureAccepted    EventType = "task.signature_accepted"
	EventTaskCompleted        EventType = "task.completed"
	EventTaskExpired          EventType = "task.expired"
	EventSlashingReferral     EventType = "operator.slashing_referral"
	EventDistributionExecuted EventType = "distribution.executed"
)

// Event is an observability record emitted by the owning component of the
// state it describes. Consumers must not mutate state in response.
type Event struct {
	EventId   string
	Type      EventType
	Timestamp time.Time

	User         common.Address `json:",omitempty"`
	Operator     common.Address `json:",omitempty"`
	TaskId       string         `json:",omitempty"`
	RequestId    string         `json:",omitempty"`
	Amount       *big.Int       `json:",omitempty"`
	RewardType   string         `json:",omitempty"`
	Chain        config.ChainId `json:",omitempty"`
	Tier         types.Tier     `json:",omitempty"`
	PreviousTier types.Tier     `json:",omitempty"`
	Reason       string         `json:",omitempty"`
}

func New(eventType EventType, now time.Time) *Event {
	return &Event{
		EventId:   uuid.New().String(),
		Type:      eventType,
		Timestamp: now,
	}
}

// Sink receives domain events. Implementations must be safe for concurrent
// use and must not block the emitter for long.
type Sink interface {
	Emit(event *Event)
}

// LoggingSink writes every event to the logger at debug level.
type LoggingSink struct {
	logger *zap.Logger
}

func NewLoggingSink(logger *zap.Logger) *LoggingSink {
	return &LoggingSink{logger: logger}
}

func (ls *LoggingSink) Emit(event *Event) {
	ls.logger.Sugar().Debugw("domain event",
		zap.String("eventId", event.EventId),
		zap.String("type", string(event.Type)),
		zap.String("taskId", event.TaskId),
		zap.String("user", event.User.String()),
		zap.String("operator", event.Operator.String()),
	)
}

// CapturingSink retains emitted events in order. Test helper.
type CapturingSink struct {
	mu     sync.Mutex
	events []*Event
}

func NewCapturingSink() *CapturingSink {
	return &CapturingSink{}
}

func (cs *CapturingSink) Emit(event *Event) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.events = append(cs.events, event)
}

func (cs *CapturingSink) Events() []*Event {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*Event, len(cs.events))
	copy(out, cs.events)
	return out
}

func (cs *CapturingSink) EventsOfType(eventType EventType) []*Event {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []*Event
	for _, e := range cs.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
