// Package alarm schedules per-run wakeups: fan-in and subworkflow timeouts
// plus the immediate alarms that drive the trampoline drain.
package alarm

import (
	"sync"
	"time"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// Logger interface for logging
type Logger interface {
	Debug(msg string, keysAndValues ...any)
}

// Scheduler owns the timers of one run. Rescheduling an alarm with the same
// kind and target replaces the pending timer.
type Scheduler struct {
	submit func(model.Command)
	logger Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler creates a scheduler that fires alarms into submit
func NewScheduler(submit func(model.Command), logger Logger) *Scheduler {
	return &Scheduler{
		submit: submit,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms a timer for the payload after delay. A zero delay still goes
// through the timer so the alarm arrives as a fresh command, off the current
// call stack.
func (s *Scheduler) Schedule(payload model.AlarmPayload, delay time.Duration) {
	key := alarmKey(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.submit(model.Command{Kind: model.CmdAlarm, Alarm: &payload})
	})
	s.logger.Debug("alarm scheduled", "kind", string(payload.Kind), "key", key, "delay", delay)
}

// Cancel drops a pending alarm, if any
func (s *Scheduler) Cancel(payload model.AlarmPayload) {
	key := alarmKey(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Close stops every pending timer; fired callbacks become no-ops
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// Pending returns the number of armed timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func alarmKey(p model.AlarmPayload) string {
	return string(p.Kind) + "|" + p.SiblingGroup + "|" + p.FanInNodeID + "|" + p.TokenID
}
