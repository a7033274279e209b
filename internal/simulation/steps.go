// Package simulation perturbs a user's metrics on fixed intervals in place of live device telemetry.
package simulation

import (
	"math"
	"math/rand/v2"
)

// Intervals, in simulation time units.
const (
	HeartRateEvery = 3
	StepsEvery     = 15
	WaterEvery     = 20
	CaloriesEvery  = 25
)

// Clamps and ranges.
const (
	MinHeartRate = 60
	MaxHeartRate = 90
	MaxWater     = 2.5
	WaterSip     = 0.1
)

// HeartRateDelta draws a perturbation uniformly from {-2,-1,0,1,2}.
func HeartRateDelta(rng *rand.Rand) int {
	return rng.IntN(5) - 2
}

// NextHeartRate applies delta and clamps the result to [60,90].
func NextHeartRate(current, delta int) int {
	next := current + delta
	if next < MinHeartRate {
		return MinHeartRate
	}
	if next > MaxHeartRate {
		return MaxHeartRate
	}
	return next
}

// StepIncrement draws an integer uniformly from [10,40).
func StepIncrement(rng *rand.Rand) int {
	return rng.IntN(30) + 10
}

// ShouldSip reports true with probability 0.4.
func ShouldSip(rng *rand.Rand) bool {
	return rng.Float64() > 0.6
}

// NextWater adds one sip, capped at 2.5 liters and rounded to 0.1.
func NextWater(current float64) float64 {
	next := math.Round((current+WaterSip)*10) / 10
	return math.Min(MaxWater, next)
}

// CalorieIncrement draws an integer uniformly from [5,15).
func CalorieIncrement(rng *rand.Rand) int {
	return rng.IntN(10) + 5
}
