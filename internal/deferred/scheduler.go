// Package deferred runs background work on behalf of a charging station
// (post-boot certificate pushes, smart-charging triggers) so that all of it
// can be canceled when the station disconnects.
package deferred

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Task func(ctx context.Context)

type task struct {
	name   string
	timer  *time.Timer
	cancel context.CancelFunc
}

type Scheduler struct {
	logger *zap.Logger
	base   context.Context
	stop   context.CancelFunc

	mu     sync.Mutex
	next   uint64
	tasks  map[string]map[uint64]*task
	closed bool
	wg     sync.WaitGroup
}

func New(logger *zap.Logger) *Scheduler {
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.Named("deferred"),
		base:   base,
		stop:   stop,
		tasks:  make(map[string]map[uint64]*task),
	}
}

// Schedule runs fn after delay unless the station's tasks are canceled first.
// The context handed to fn is canceled by Cancel and Close.
func (s *Scheduler) Schedule(stationID, name string, delay time.Duration, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.next++
	id := s.next
	ctx, cancel := context.WithCancel(s.base)
	t := &task{name: name, cancel: cancel}
	if s.tasks[stationID] == nil {
		s.tasks[stationID] = make(map[uint64]*task)
	}
	s.tasks[stationID][id] = t
	s.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		defer s.remove(stationID, id)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("deferred task panicked",
					zap.String("charge_point_id", stationID),
					zap.String("task", name),
					zap.Any("panic", r),
				)
			}
		}()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
}

// Go is Schedule without delay.
func (s *Scheduler) Go(stationID, name string, fn Task) {
	s.Schedule(stationID, name, 0, fn)
}

// Cancel drops every pending task of the station and cancels the context of
// those already running. It returns how many tasks were affected.
func (s *Scheduler) Cancel(stationID string) int {
	s.mu.Lock()
	tasks := s.tasks[stationID]
	delete(s.tasks, stationID)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		if t.timer.Stop() {
			s.wg.Done()
		}
	}
	if len(tasks) > 0 {
		s.logger.Debug("canceled deferred tasks",
			zap.String("charge_point_id", stationID),
			zap.Int("count", len(tasks)),
		)
	}
	return len(tasks)
}

func (s *Scheduler) Pending(stationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[stationID])
}

// Close cancels everything and waits for running tasks to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	stations := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		stations = append(stations, id)
	}
	s.mu.Unlock()

	for _, id := range stations {
		s.Cancel(id)
	}
	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) remove(stationID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.tasks[stationID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(s.tasks, stationID)
		}
	}
}
