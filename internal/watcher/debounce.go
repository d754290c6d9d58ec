package watcher

import "time"

// quietPeriod holds back events until their path has been quiet for delay,
// then hands the latest one to fire. The watcher mutex guards it.
type quietPeriod struct {
	delay  time.Duration
	timers map[string]*time.Timer
	latest map[string]Event
}

func newQuietPeriod(delay time.Duration) *quietPeriod {
	return &quietPeriod{
		delay:  delay,
		timers: make(map[string]*time.Timer),
		latest: make(map[string]Event),
	}
}

// note records event and reports whether it replaced one still waiting.
func (q *quietPeriod) note(event Event, fire func(path string)) bool {
	_, waiting := q.latest[event.Path]
	q.latest[event.Path] = event
	if timer, ok := q.timers[event.Path]; ok {
		timer.Reset(q.delay)
		return waiting
	}
	path := event.Path
	q.timers[path] = time.AfterFunc(q.delay, func() { fire(path) })
	return waiting
}

func (q *quietPeriod) take(path string) (Event, bool) {
	event, ok := q.latest[path]
	delete(q.latest, path)
	delete(q.timers, path)
	return event, ok
}

func (q *quietPeriod) reset() {
	for _, timer := range q.timers {
		timer.Stop()
	}
	clear(q.timers)
	clear(q.latest)
}
