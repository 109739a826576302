//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleet-console/internal/fleet"
	"fleet-console/internal/state"
)

// robotStatus is the retained payload of <prefix>/robots/<sn>/status.
type robotStatus struct {
	SN             string         `json:"sn"`
	Name           string         `json:"name,omitempty"`
	Shop           string         `json:"shop,omitempty"`
	State          string         `json:"state"`
	Battery        int            `json:"battery"`
	Charging       bool           `json:"charging"`
	MapName        string         `json:"map_name,omitempty"`
	MissionActive  bool           `json:"mission_active"`
	Mission        *fleet.Mission `json:"mission,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	PollIntervalMs int64          `json:"poll_interval_ms"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// selectCommand is the payload of <prefix>/console/select.
type selectCommand struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// topicSegment makes s safe as a single MQTT topic level: lowercase and
// only [a-z0-9_-].
func topicSegment(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

func statusTopic(prefix, sn string) string {
	return prefix + "/robots/" + topicSegment(sn) + "/status"
}

// statusFromSnapshot builds the status of the selected robot. ok is false
// when no detail for the selected robot has settled.
func statusFromSnapshot(snap *state.Snapshot) (robotStatus, bool) {
	ss := snap.Stage(state.StageDetail)
	detail, _ := ss.Data.(*fleet.RobotDetail)
	if detail == nil || detail.SN != snap.Selection.Device {
		return robotStatus{}, false
	}
	return robotStatus{
		SN:             detail.SN,
		Name:           detail.Name,
		Shop:           snap.Selection.Shop,
		State:          detail.State,
		Battery:        detail.Battery,
		Charging:       detail.Charging,
		MapName:        detail.MapName,
		MissionActive:  detail.MissionActive(),
		Mission:        detail.Mission,
		ErrorCode:      detail.ErrorCode,
		PollIntervalMs: snap.Poll.EffectiveIntervalMs,
		UpdatedAt:      ss.UpdatedAt,
	}, true
}

// parseSelectCommand decodes a select command. An empty value is allowed
// and clears the field.
func parseSelectCommand(payload []byte) (state.Field, string, error) {
	var cmd selectCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return "", "", fmt.Errorf("invalid command JSON: %w", err)
	}
	if cmd.Field == "" {
		return "", "", errors.New("command has no field")
	}
	field, err := state.ParseField(cmd.Field)
	if err != nil {
		return "", "", err
	}
	return field, cmd.Value, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
