// Package policy derives the poll interval from the selected robot's
// latest detail.
package policy

import (
	"time"

	"fleet-console/internal/fleet"
)

// Policy maps a robot detail to the interval of the next poll tick.
// It returns zero to keep the configured interval. active reports whether
// the robot is in a state that warrants fast polling.
type Policy interface {
	Interval(detail *fleet.RobotDetail, configured time.Duration) (d time.Duration, active bool)
}

// Default polls at Active while the robot runs a mission.
type Default struct {
	Active time.Duration
}

func (p Default) Interval(detail *fleet.RobotDetail, configured time.Duration) (time.Duration, bool) {
	if !detail.MissionActive() {
		return 0, false
	}
	if p.Active <= 0 || p.Active > configured {
		return configured, true
	}
	return p.Active, true
}
