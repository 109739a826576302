package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Field names a selection field.
type Field string

const (
	FieldShop        Field = "shop"
	FieldDevice      Field = "device"
	FieldTask        Field = "task"
	FieldMap         Field = "map"
	FieldSchedule    Field = "schedule"
	FieldReturnPoint Field = "return_point"
)

// ErrInvalidTaskRef is returned for a task reference that is not "id" or
// "id@version".
var ErrInvalidTaskRef = errors.New("invalid task reference")

// Fields lists every selection field, upstream first.
var Fields = []Field{FieldShop, FieldDevice, FieldTask, FieldMap, FieldSchedule, FieldReturnPoint}

// dependents lists the fields that are derived from each field.
var dependents = map[Field][]Field{
	FieldShop:   {FieldDevice, FieldTask, FieldMap, FieldSchedule, FieldReturnPoint},
	FieldDevice: {FieldTask, FieldMap, FieldSchedule, FieldReturnPoint},
	FieldMap:    {FieldReturnPoint},
}

// ParseField validates a field name.
func ParseField(s string) (Field, error) {
	for _, f := range Fields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown selection field %q", s)
}

// Selection is the operator's current choice along the dependency chain
// shop -> device -> {task, map, schedule}, map -> return point.
type Selection struct {
	Shop        string `json:"shop"`
	Device      string `json:"device"`
	TaskID      string `json:"task_id"`
	TaskVersion int    `json:"task_version"`
	Map         string `json:"map"`
	Schedule    string `json:"schedule"`
	ReturnPoint string `json:"return_point"`
}

// Get returns the value of f. The task is returned as "id@version".
func (s Selection) Get(f Field) string {
	switch f {
	case FieldShop:
		return s.Shop
	case FieldDevice:
		return s.Device
	case FieldTask:
		if s.TaskID == "" {
			return ""
		}
		return s.TaskID + "@" + strconv.Itoa(s.TaskVersion)
	case FieldMap:
		return s.Map
	case FieldSchedule:
		return s.Schedule
	case FieldReturnPoint:
		return s.ReturnPoint
	default:
		return ""
	}
}

// Set assigns value to f and clears every field derived from f. It
// returns the fields whose value changed; setting a field to its current
// value changes nothing.
func (s *Selection) Set(f Field, value string) ([]Field, error) {
	if f == FieldTask && value != "" {
		id, version, err := ParseTaskRef(value)
		if err != nil {
			return nil, err
		}
		value = id + "@" + strconv.Itoa(version)
	}
	if s.Get(f) == value {
		return nil, nil
	}
	if err := s.assign(f, value); err != nil {
		return nil, err
	}
	changed := []Field{f}
	for _, dep := range dependents[f] {
		if s.Get(dep) != "" {
			changed = append(changed, dep)
			_ = s.assign(dep, "")
		}
	}
	return changed, nil
}

func (s *Selection) assign(f Field, value string) error {
	switch f {
	case FieldShop:
		s.Shop = value
	case FieldDevice:
		s.Device = value
	case FieldTask:
		id, version, err := ParseTaskRef(value)
		if err != nil {
			return err
		}
		s.TaskID, s.TaskVersion = id, version
	case FieldMap:
		s.Map = value
	case FieldSchedule:
		s.Schedule = value
	case FieldReturnPoint:
		s.ReturnPoint = value
	default:
		return fmt.Errorf("unknown selection field %q", f)
	}
	return nil
}

// ParseTaskRef splits "id@version". A bare id has version 0.
func ParseTaskRef(ref string) (string, int, error) {
	if ref == "" {
		return "", 0, nil
	}
	i := strings.LastIndexByte(ref, '@')
	if i < 0 {
		return ref, 0, nil
	}
	version, err := strconv.Atoi(ref[i+1:])
	if err != nil || version < 0 {
		return "", 0, fmt.Errorf("%w: bad version in %q", ErrInvalidTaskRef, ref)
	}
	if i == 0 {
		return "", 0, fmt.Errorf("%w: missing id in %q", ErrInvalidTaskRef, ref)
	}
	return ref[:i], version, nil
}
