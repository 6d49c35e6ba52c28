// Package system provides the wall clock used outside tests.
package system

import (
	"fmt"
	"time"

	// Embedded zone database so Asia/Kolkata resolves on minimal images.
	_ "time/tzdata"
)

// Clock implements ingest.Clock using time.Now, reported in a fixed zone.
type Clock struct {
	loc *time.Location
}

// New creates a Clock that reports UTC.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// NewIn creates a Clock that reports times in the named IANA zone.
func NewIn(zone string) (*Clock, error) {
	if zone == "" {
		return New(), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", zone, err)
	}
	return &Clock{loc: loc}, nil
}

// Now returns the current time in the clock's zone.
func (c *Clock) Now() time.Time {
	if c == nil || c.loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.loc)
}

// Location returns the zone times are reported in.
func (c *Clock) Location() *time.Location {
	if c == nil || c.loc == nil {
		return time.UTC
	}
	return c.loc
}
