package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a kernel event: an operation outcome, a rollout milestone or a
// service lifecycle transition.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	OperationID string `json:"operation_id,omitempty"`
	RolloutID   string `json:"rollout_id,omitempty"`
	ServerGroup string `json:"server_group,omitempty"`
	Address     string `json:"address,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeOperationCompleted = "operation.completed"
	EventTypeOperationFailed    = "operation.failed"
	EventTypeRolloutStarted     = "rollout.started"
	EventTypeRolloutCompleted   = "rollout.completed"
	EventTypeGroupCompleted     = "group.completed"
	EventTypeGroupFailed        = "group.failed"
	EventTypeGroupRolledBack    = "group.rolled_back"
	EventTypeServiceStarted     = "service.started"
	EventTypeServiceStopped     = "service.stopped"
	EventTypePolicyDenied       = "policy.denied"
	EventTypePolicyWarning      = "policy.warning"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers. A nil or disabled publisher
// drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishOperation publishes the outcome of an operation batch.
func (ep *EventPublisher) PublishOperation(operationID, kind, address string, err error, duration time.Duration) error {
	e := Event{
		Type:        EventTypeOperationCompleted,
		Source:      "pipeline",
		OperationID: operationID,
		Address:     address,
		Message:     fmt.Sprintf("Operation %s on %s completed", kind, address),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"kind":     kind,
			"duration": duration.Seconds(),
		},
	}
	if err != nil {
		e.Type = EventTypeOperationFailed
		e.Level = EventLevelError
		e.Message = fmt.Sprintf("Operation %s on %s failed: %v", kind, address, err)
		e.Data["error"] = err.Error()
	}
	return ep.Publish(e)
}

// PublishRolloutStarted publishes a rollout started event.
func (ep *EventPublisher) PublishRolloutStarted(rolloutID, operationID string, groups []string) error {
	return ep.Publish(Event{
		Type:        EventTypeRolloutStarted,
		Source:      "rollout",
		RolloutID:   rolloutID,
		OperationID: operationID,
		Message:     fmt.Sprintf("Rollout %s started across %d server groups", rolloutID, len(groups)),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"groups": groups,
		},
	})
}

// PublishRolloutCompleted publishes the terminal plan outcome.
func (ep *EventPublisher) PublishRolloutCompleted(rolloutID, operationID, outcome string, duration time.Duration) error {
	level := EventLevelInfo
	if outcome != "SUCCESS" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:        EventTypeRolloutCompleted,
		Source:      "rollout",
		RolloutID:   rolloutID,
		OperationID: operationID,
		Message:     fmt.Sprintf("Rollout %s completed with outcome %s", rolloutID, outcome),
		Level:       level,
		Data: map[string]interface{}{
			"outcome":  outcome,
			"duration": duration.Seconds(),
		},
	})
}

// PublishGroupResult publishes a terminal server-group outcome.
func (ep *EventPublisher) PublishGroupResult(rolloutID, group, outcome string, failed, total int) error {
	e := Event{
		Type:        EventTypeGroupCompleted,
		Source:      "rollout",
		RolloutID:   rolloutID,
		ServerGroup: group,
		Message:     fmt.Sprintf("Server group %s finished with %s (%d/%d servers failed)", group, outcome, failed, total),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"outcome": outcome,
			"failed":  failed,
			"total":   total,
		},
	}
	switch outcome {
	case "FAILED":
		e.Type = EventTypeGroupFailed
		e.Level = EventLevelError
	case "ROLLED_BACK":
		e.Type = EventTypeGroupRolledBack
		e.Level = EventLevelWarning
	}
	return ep.Publish(e)
}

// PublishServiceEvent publishes a service lifecycle transition.
func (ep *EventPublisher) PublishServiceEvent(service string, started bool) error {
	e := Event{
		Type:    EventTypeServiceStarted,
		Source:  "capability",
		Message: fmt.Sprintf("Service %s started", service),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"service": service},
	}
	if !started {
		e.Type = EventTypeServiceStopped
		e.Message = fmt.Sprintf("Service %s stopped", service)
	}
	return ep.Publish(e)
}

// PublishPolicyDenied publishes an authorization denial.
func (ep *EventPublisher) PublishPolicyDenied(operationID, address, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyDenied,
		Source:      "policy",
		OperationID: operationID,
		Address:     address,
		Message:     fmt.Sprintf("Operation on %s denied: %s", address, reason),
		Level:       EventLevelWarning,
		Data:        map[string]interface{}{"reason": reason},
	})
}

// Subscribe adds a new event subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows only events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows only events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRolloutID allows only events for a specific rollout.
func FilterByRolloutID(rolloutID string) EventFilter {
	return func(event Event) bool {
		return event.RolloutID == rolloutID
	}
}

// FilterByServerGroup allows only events for a specific server group.
func FilterByServerGroup(group string) EventFilter {
	return func(event Event) bool {
		return event.ServerGroup == group
	}
}
