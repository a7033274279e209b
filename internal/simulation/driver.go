package simulation

import (
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/health"
	"example.com/healthsync/internal/observability"
)

// Target receives simulated metric changes. *health.Store implements it.
type Target interface {
	Update(metric string, fn func(current domain.HealthSnapshot) domain.HealthSnapshot)
}

// Driver runs the four independent metric timers against a Target.
type Driver struct {
	target    Target
	scheduler Scheduler
	unit      time.Duration
	log       *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewDriver constructs a Driver. unit is the wall-clock length of one simulation time unit.
func NewDriver(target Target, scheduler Scheduler, unit time.Duration, rng *rand.Rand, log *zap.Logger) *Driver {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{target: target, scheduler: scheduler, unit: unit, rng: rng, log: log.Named("simulation")}
}

// Handle stops a running simulation.
type Handle struct {
	once sync.Once
	stop func()
}

// Stop cancels all timers. Safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(h.stop)
}

// Start schedules the timers and returns the handle that cancels them.
func (d *Driver) Start() *Handle {
	stop := d.scheduler.Schedule(
		Job{Name: health.MetricHeartRate, Interval: HeartRateEvery * d.unit, Run: d.tickHeartRate},
		Job{Name: health.MetricSteps, Interval: StepsEvery * d.unit, Run: d.tickSteps},
		Job{Name: health.MetricWater, Interval: WaterEvery * d.unit, Run: d.tickWater},
		Job{Name: health.MetricCalories, Interval: CaloriesEvery * d.unit, Run: d.tickCalories},
	)
	d.log.Debug("simulation started", zap.Duration("unit", d.unit))
	return &Handle{stop: stop}
}

func (d *Driver) tickHeartRate() {
	delta := d.draw(HeartRateDelta)
	d.target.Update(health.MetricHeartRate, func(s domain.HealthSnapshot) domain.HealthSnapshot {
		s.HeartRate = NextHeartRate(s.HeartRate, delta)
		return s
	})
	observability.RecordSimulationTick(health.MetricHeartRate)
}

func (d *Driver) tickSteps() {
	increment := d.draw(StepIncrement)
	d.target.Update(health.MetricSteps, func(s domain.HealthSnapshot) domain.HealthSnapshot {
		s.Steps += increment
		return s
	})
	observability.RecordSimulationTick(health.MetricSteps)
}

func (d *Driver) tickWater() {
	d.rngMu.Lock()
	sip := ShouldSip(d.rng)
	d.rngMu.Unlock()
	if !sip {
		return
	}
	d.target.Update(health.MetricWater, func(s domain.HealthSnapshot) domain.HealthSnapshot {
		s.Water = NextWater(s.Water)
		return s
	})
	observability.RecordSimulationTick(health.MetricWater)
}

func (d *Driver) tickCalories() {
	increment := d.draw(CalorieIncrement)
	d.target.Update(health.MetricCalories, func(s domain.HealthSnapshot) domain.HealthSnapshot {
		s.CaloriesBurned += increment
		return s
	})
	observability.RecordSimulationTick(health.MetricCalories)
}

func (d *Driver) draw(fn func(*rand.Rand) int) int {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return fn(d.rng)
}
