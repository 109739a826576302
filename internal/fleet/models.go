package fleet

import (
	"strconv"
	"time"
)

// Shop is a site that robots are bound to.
type Shop struct {
	ID   string `json:"shop_id"`
	Name string `json:"shop_name"`
}

// Robot is one entry of a shop's robot list.
type Robot struct {
	SN     string `json:"sn"`
	Name   string `json:"name,omitempty"`
	Model  string `json:"product_code,omitempty"`
	ShopID string `json:"shop_id,omitempty"`
	Online bool   `json:"online"`
}

// Validity is the answer of the robot validity endpoint.
type Validity struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Mission is the task a robot is currently executing.
type Mission struct {
	TaskID   string  `json:"task_id"`
	Version  int     `json:"version"`
	Status   string  `json:"status"` // "running", "paused", "finished", "cancelled"
	Progress float64 `json:"progress"`
}

// Active reports whether the mission still occupies the robot.
func (m *Mission) Active() bool {
	if m == nil {
		return false
	}
	switch m.Status {
	case "running", "paused", "returning":
		return true
	default:
		return false
	}
}

// RobotDetail is the live status of a single robot.
type RobotDetail struct {
	SN        string    `json:"sn"`
	Name      string    `json:"name,omitempty"`
	State     string    `json:"state"` // "idle", "working", "charging", "offline", "error"
	Battery   int       `json:"battery"`
	Charging  bool      `json:"charging"`
	MapName   string    `json:"map_name,omitempty"`
	Mission   *Mission  `json:"mission,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MissionActive reports whether the robot is executing a mission.
func (d *RobotDetail) MissionActive() bool {
	return d != nil && d.Mission.Active()
}

// Task is a cleaning/delivery task definition.
type Task struct {
	ID      string `json:"task_id"`
	Version int    `json:"version"`
	Name    string `json:"name"`
	MapName string `json:"map_name,omitempty"`
}

// Ref returns the task identity "id@version" used by selections.
func (t Task) Ref() string {
	return t.ID + "@" + strconv.Itoa(t.Version)
}

// Map is a map stored on a robot.
type Map struct {
	Name  string `json:"map_name"`
	Floor string `json:"floor,omitempty"`
}

// Schedule is a recurring task schedule.
type Schedule struct {
	ID     string `json:"schedule_id"`
	Name   string `json:"name"`
	TaskID string `json:"task_id,omitempty"`
	Cron   string `json:"cron,omitempty"`
	Active bool   `json:"active"`
}

// Point is a named point on a map, e.g. a charging pile or a return point.
type Point struct {
	ID   string `json:"point_id"`
	Name string `json:"name"`
	Type string `json:"type"` // "charge", "return", "dock"
}
