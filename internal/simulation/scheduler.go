package simulation

import (
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron"
)

// Job is a function run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// Scheduler runs jobs until the returned stop function is called.
type Scheduler interface {
	Schedule(jobs ...Job) (stop func())
}

// CronScheduler runs jobs on robfig/cron constant-delay schedules. Intervals are rounded down to
// whole seconds with a one second minimum.
type CronScheduler struct{}

// Schedule implements Scheduler.
func (CronScheduler) Schedule(jobs ...Job) func() {
	c := cron.New()
	for _, job := range jobs {
		c.Schedule(cron.Every(job.Interval), cron.FuncJob(job.Run))
	}
	c.Start()
	return c.Stop
}

// ManualScheduler fires jobs only when Advance is called.
type ManualScheduler struct {
	mu      sync.Mutex
	groups  map[int][]Job
	nextID  int
	elapsed time.Duration
}

// Schedule implements Scheduler. The returned stop removes only the jobs passed to this call.
func (m *ManualScheduler) Schedule(jobs ...Job) func() {
	m.mu.Lock()
	if m.groups == nil {
		m.groups = make(map[int][]Job)
	}
	m.nextID++
	id := m.nextID
	m.groups[id] = append([]Job(nil), jobs...)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.groups, id)
		m.mu.Unlock()
	}
}

// Advance moves the clock forward by d and runs every job whose interval boundary was crossed, once
// per boundary.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	before := m.elapsed
	m.elapsed += d
	after := m.elapsed
	ids := make([]int, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var jobs []Job
	for _, id := range ids {
		jobs = append(jobs, m.groups[id]...)
	}
	m.mu.Unlock()

	for _, job := range jobs {
		if job.Interval <= 0 {
			continue
		}
		for n := after/job.Interval - before/job.Interval; n > 0; n-- {
			job.Run()
		}
	}
}

// Active reports how many Schedule calls have not been stopped.
func (m *ManualScheduler) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}
