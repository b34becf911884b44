// Package clock implements the virtual market clock that maps a session's
// elapsed wall-clock time onto a position in the historical price series.
//
// The mapping is a pure function of (startedAt, speedFactor, now): calling
// Advance twice with identical inputs yields identical output. No randomness
// is ever introduced here: every session of a challenge must replay the
// same timeline for leaderboard fairness.
package clock

import (
	"errors"
	"time"
)

var (
	// ErrInvalidSpeedFactor is returned when the speed factor is not positive.
	ErrInvalidSpeedFactor = errors.New("clock: speed factor must be positive")

	// ErrInvalidPeriod is returned when the simulated period is empty or inverted.
	ErrInvalidPeriod = errors.New("clock: simulated end must be after simulated start")
)

// MarketClock converts real elapsed time into simulated time for one
// replayed period. It is stateless: session timing is passed as arguments,
// not stored, so a single instance is safely shared by all sessions.
type MarketClock struct {
	simulatedStart time.Time
	simulatedEnd   time.Time
	speedFactor    int64 // simulated seconds per real second
}

// New creates a clock for one challenge period. speedFactor is the number of
// simulated seconds that pass per real second (e.g. 86400 replays one day
// per second).
func New(simulatedStart, simulatedEnd time.Time, speedFactor int64) (*MarketClock, error) {
	if speedFactor <= 0 {
		return nil, ErrInvalidSpeedFactor
	}
	if !simulatedEnd.After(simulatedStart) {
		return nil, ErrInvalidPeriod
	}
	return &MarketClock{
		simulatedStart: simulatedStart,
		simulatedEnd:   simulatedEnd,
		speedFactor:    speedFactor,
	}, nil
}

// Advance maps the real instant now onto the simulated timeline:
//
//	simulated = simulatedStart + (now - startedAt) * speedFactor
//
// clamped to the simulated end. The second return value is true when the
// clamp was hit, i.e. the replayed period is exhausted and the session
// should transition to ENDED on the next processed event.
func (c *MarketClock) Advance(startedAt, now time.Time) (time.Time, bool) {
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	simulated := c.simulatedStart.Add(elapsed * time.Duration(c.speedFactor))
	if !simulated.Before(c.simulatedEnd) {
		return c.simulatedEnd, true
	}
	return simulated, false
}

// SimulatedStart returns the beginning of the replayed period.
func (c *MarketClock) SimulatedStart() time.Time { return c.simulatedStart }

// SimulatedEnd returns the end of the replayed period.
func (c *MarketClock) SimulatedEnd() time.Time { return c.simulatedEnd }

// SpeedFactor returns the simulated-seconds-per-real-second multiplier.
func (c *MarketClock) SpeedFactor() int64 { return c.speedFactor }

// RealDuration returns how long the full replay takes in wall-clock time.
func (c *MarketClock) RealDuration() time.Duration {
	return c.simulatedEnd.Sub(c.simulatedStart) / time.Duration(c.speedFactor)
}
