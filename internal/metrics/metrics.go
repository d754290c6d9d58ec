package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Route rules recorded by IncRouted.
const (
	RuleSession  = "session"
	RuleInstance = "instance"
	RuleReplay   = "replay"
)

type Registry struct {
	deferred        atomic.Int64
	replayed        atomic.Int64
	expired         atomic.Int64
	overflowed      atomic.Int64
	ambiguous       atomic.Int64
	dropped         atomic.Int64
	sessionsBound   atomic.Int64
	bindRejected    atomic.Int64
	spawnStarted    atomic.Int64
	spawnFailed     atomic.Int64
	processesExited atomic.Int64
	coordSent       atomic.Int64
	coordReceived   atomic.Int64
	routed          sync.Map
	busEvents       sync.Map
}

type busStats struct {
	published   atomic.Int64
	dropped     atomic.Int64
	subscribers atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncRouted(rule string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(rule) == "" {
		rule = "unknown"
	}
	value, _ := r.routed.LoadOrStore(rule, &atomic.Int64{})
	value.(*atomic.Int64).Add(1)
}

func (r *Registry) Routed(rule string) int64 {
	if r == nil {
		return 0
	}
	value, ok := r.routed.Load(rule)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

func (r *Registry) IncDeferred() {
	if r != nil {
		r.deferred.Add(1)
	}
}

func (r *Registry) IncReplayed(count int) {
	if r != nil && count > 0 {
		r.replayed.Add(int64(count))
	}
}

func (r *Registry) IncExpired(count int) {
	if r != nil && count > 0 {
		r.expired.Add(int64(count))
	}
}

func (r *Registry) IncOverflowed() {
	if r != nil {
		r.overflowed.Add(1)
	}
}

func (r *Registry) IncAmbiguous() {
	if r != nil {
		r.ambiguous.Add(1)
	}
}

func (r *Registry) IncDropped() {
	if r != nil {
		r.dropped.Add(1)
	}
}

func (r *Registry) IncSessionBound() {
	if r != nil {
		r.sessionsBound.Add(1)
	}
}

func (r *Registry) IncBindRejected() {
	if r != nil {
		r.bindRejected.Add(1)
	}
}

func (r *Registry) IncSpawnStarted() {
	if r != nil {
		r.spawnStarted.Add(1)
	}
}

func (r *Registry) IncSpawnFailed() {
	if r != nil {
		r.spawnFailed.Add(1)
	}
}

func (r *Registry) IncProcessExited() {
	if r != nil {
		r.processesExited.Add(1)
	}
}

func (r *Registry) IncCoordinationSent() {
	if r != nil {
		r.coordSent.Add(1)
	}
}

func (r *Registry) IncCoordinationReceived() {
	if r != nil {
		r.coordReceived.Add(1)
	}
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		Deferred:   r.deferred.Load(),
		Replayed:   r.replayed.Load(),
		Expired:    r.expired.Load(),
		Overflowed: r.overflowed.Load(),
		Ambiguous:  r.ambiguous.Load(),
		Dropped:    r.dropped.Load(),
		Bound:      r.sessionsBound.Load(),
		Rejected:   r.bindRejected.Load(),
	}
}

// Snapshot is a point-in-time copy of the routing counters.
type Snapshot struct {
	Deferred   int64
	Replayed   int64
	Expired    int64
	Overflowed int64
	Ambiguous  int64
	Dropped    int64
	Bound      int64
	Rejected   int64
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.bus(bus).published.Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.bus(bus).dropped.Add(1)
}

func (r *Registry) SetEventSubscribers(bus string, count int) {
	if r == nil {
		return
	}
	r.bus(bus).subscribers.Store(int64(count))
}

func (r *Registry) bus(name string) *busStats {
	if strings.TrimSpace(name) == "" {
		name = "event_bus"
	}
	value, _ := r.busEvents.LoadOrStore(name, &busStats{})
	return value.(*busStats)
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeHelp(writer, "veda_messages_routed_total", "Messages appended to an instance log, by resolution rule")
	fmt.Fprintln(writer, "# TYPE veda_messages_routed_total counter")
	rules := keys(&r.routed)
	sort.Strings(rules)
	for _, rule := range rules {
		fmt.Fprintf(writer, "veda_messages_routed_total{rule=%s} %d\n", formatLabel(rule), r.Routed(rule))
	}

	writeCounter(writer, "veda_messages_deferred_total", "Messages placed in the deferral buffer", r.deferred.Load())
	writeCounter(writer, "veda_messages_replayed_total", "Deferred messages delivered after a binding appeared", r.replayed.Load())
	writeCounter(writer, "veda_messages_expired_total", "Deferred messages dropped after the retention window", r.expired.Load())
	writeCounter(writer, "veda_messages_overflowed_total", "Deferred messages dropped because the buffer was full", r.overflowed.Load())
	writeCounter(writer, "veda_messages_dropped_total", "Messages dropped without a destination", r.dropped.Load())
	writeCounter(writer, "veda_routing_ambiguous_total", "Messages whose session and instance pointed at different instances", r.ambiguous.Load())
	writeCounter(writer, "veda_sessions_bound_total", "Session bindings created", r.sessionsBound.Load())
	writeCounter(writer, "veda_session_binds_rejected_total", "Session bindings rejected", r.bindRejected.Load())
	writeCounter(writer, "veda_spawns_started_total", "Subprocesses started", r.spawnStarted.Load())
	writeCounter(writer, "veda_spawns_failed_total", "Subprocess launches that failed", r.spawnFailed.Load())
	writeCounter(writer, "veda_processes_exited_total", "Subprocesses that exited", r.processesExited.Load())
	writeCounter(writer, "veda_coordination_sent_total", "Coordination envelopes sent", r.coordSent.Load())
	writeCounter(writer, "veda_coordination_received_total", "Coordination envelopes received", r.coordReceived.Load())

	buses := keys(&r.busEvents)
	sort.Strings(buses)
	writeHelp(writer, "veda_bus_events_published_total", "Events published per bus")
	fmt.Fprintln(writer, "# TYPE veda_bus_events_published_total counter")
	for _, name := range buses {
		fmt.Fprintf(writer, "veda_bus_events_published_total{bus=%s} %d\n", formatLabel(name), r.bus(name).published.Load())
	}
	writeHelp(writer, "veda_bus_events_dropped_total", "Events dropped per bus")
	fmt.Fprintln(writer, "# TYPE veda_bus_events_dropped_total counter")
	for _, name := range buses {
		fmt.Fprintf(writer, "veda_bus_events_dropped_total{bus=%s} %d\n", formatLabel(name), r.bus(name).dropped.Load())
	}
	writeHelp(writer, "veda_bus_subscribers", "Current subscribers per bus")
	fmt.Fprintln(writer, "# TYPE veda_bus_subscribers gauge")
	for _, name := range buses {
		fmt.Fprintf(writer, "veda_bus_subscribers{bus=%s} %d\n", formatLabel(name), r.bus(name).subscribers.Load())
	}
	return nil
}

func keys(values *sync.Map) []string {
	var names []string
	values.Range(func(key, value any) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
