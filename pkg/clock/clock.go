// Package clock supplies the current time and business-hours arithmetic.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock is the engine's only source of "now".
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the wall clock in UTC.
func System() Clock { return systemClock{} }

// Fake is a settable clock for tests and replays.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Service combines a clock with the configured business hours.
type Service struct {
	Clock Clock
	Hours BusinessHours
}

func NewService(c Clock, hours BusinessHours) *Service {
	if c == nil {
		c = System()
	}
	return &Service{Clock: c, Hours: hours}
}

func (s *Service) Now() time.Time {
	return s.Clock.Now()
}

// ToLocalBusinessHours moves instant forward to the next business-hours instant
// in the given IANA timezone. An unknown zone falls back to UTC and is reported.
func (s *Service) ToLocalBusinessHours(instant time.Time, timezone string) (time.Time, error) {
	loc, err := LoadLocation(timezone)
	next := s.Hours.Next(instant, loc)
	return next, err
}

// NextBusinessInstant returns t if it is inside business hours in loc,
// otherwise the next window opening.
func (s *Service) NextBusinessInstant(t time.Time, loc *time.Location) time.Time {
	return s.Hours.Next(t, loc)
}

// LoadLocation resolves an IANA zone name. Empty means UTC.
func LoadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC, fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}
	return loc, nil
}
