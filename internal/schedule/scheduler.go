package schedule

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler runs one-shot jobs at a wall-clock time. Implementations must
// tolerate Cancel on ids that already fired or never existed.
type Scheduler interface {
	ScheduleAt(at time.Time, payload string) (jobID string, err error)
	Cancel(jobID string) error
}

// JobFunc receives the payload of a fired job.
type JobFunc func(payload string)

// TimerScheduler is an in-process Scheduler backed by timers. Jobs do not
// survive a restart; persistence of the scheduled times is the caller's
// responsibility, and rescheduling on boot rebuilds the timers.
type TimerScheduler struct {
	run JobFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerScheduler creates a scheduler that invokes run when jobs fire.
func NewTimerScheduler(run JobFunc) *TimerScheduler {
	return &TimerScheduler{
		run:    run,
		timers: make(map[string]*time.Timer),
	}
}

// ScheduleAt registers a job. Times in the past fire immediately.
func (s *TimerScheduler) ScheduleAt(at time.Time, payload string) (string, error) {
	id := uuid.NewString()
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		if s.run != nil {
			s.run(payload)
		}
	})
	s.mu.Unlock()
	return id, nil
}

// Cancel stops a pending job. Unknown ids are a no-op.
func (s *TimerScheduler) Cancel(jobID string) error {
	s.mu.Lock()
	timer, ok := s.timers[jobID]
	if ok {
		delete(s.timers, jobID)
	}
	s.mu.Unlock()
	if ok {
		timer.Stop()
	}
	return nil
}

// Stop cancels all pending jobs.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
