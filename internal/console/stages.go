package console

import (
	"context"

	"fleet-console/internal/cascade"
	"fleet-console/internal/fleet"
	"fleet-console/internal/state"
	"fleet-console/internal/validate"
)

// DeviceList is the data of the devices stage: the robots that passed
// validation, in list order, and the ones that did not.
type DeviceList struct {
	Robots   []fleet.Robot `json:"robots"`
	Rejected []Rejection   `json:"rejected,omitempty"`
}

// Rejection is a robot that failed validation.
type Rejection struct {
	SN     string `json:"sn"`
	Reason string `json:"reason"`
}

// SNs lists the selectable robots.
func (l DeviceList) SNs() []string {
	out := make([]string, len(l.Robots))
	for i, r := range l.Robots {
		out[i] = r.SN
	}
	return out
}

func (c *Console) pager() cascade.Pager {
	return cascade.Pager{PageSize: c.cfg.PageSize, MaxPages: c.cfg.MaxPages, Logger: c.logger}
}

func (c *Console) stages() []cascade.Stage {
	return []cascade.Stage{
		{
			ID:   state.StageShops,
			Owns: state.FieldShop,
			Load: c.loadShops,
			IDs: func(data any) []string {
				shops, _ := data.([]fleet.Shop)
				return ids(shops, func(s fleet.Shop) string { return s.ID })
			},
		},
		{
			ID:       state.StageDevices,
			Owns:     state.FieldDevice,
			Requires: []state.Field{state.FieldShop},
			Load:     c.loadDevices,
			IDs: func(data any) []string {
				list, _ := data.(DeviceList)
				return list.SNs()
			},
			Prefer: func() string { return c.preferDevice },
		},
		{
			ID:       state.StageDetail,
			Requires: []state.Field{state.FieldDevice},
			Load: func(ctx context.Context, sel state.Selection) (any, error) {
				return c.backend.RobotDetail(ctx, sel.Device)
			},
		},
		{
			ID:       state.StageTasks,
			Owns:     state.FieldTask,
			Requires: []state.Field{state.FieldShop, state.FieldDevice},
			Load: func(ctx context.Context, sel state.Selection) (any, error) {
				return cascade.Collect(ctx, c.pager(), func(ctx context.Context, offset, limit int) ([]fleet.Task, error) {
					return c.backend.Tasks(ctx, sel.Shop, sel.Device, offset, limit)
				}, fleet.Task.Ref)
			},
			IDs: func(data any) []string {
				tasks, _ := data.([]fleet.Task)
				return ids(tasks, fleet.Task.Ref)
			},
		},
		{
			ID:       state.StageMaps,
			Owns:     state.FieldMap,
			Requires: []state.Field{state.FieldDevice},
			Load: func(ctx context.Context, sel state.Selection) (any, error) {
				return cascade.Collect(ctx, c.pager(), func(ctx context.Context, offset, limit int) ([]fleet.Map, error) {
					return c.backend.Maps(ctx, sel.Device, offset, limit)
				}, mapName)
			},
			IDs: func(data any) []string {
				maps, _ := data.([]fleet.Map)
				return ids(maps, mapName)
			},
		},
		{
			ID:       state.StageSchedules,
			Owns:     state.FieldSchedule,
			Requires: []state.Field{state.FieldDevice},
			Load: func(ctx context.Context, sel state.Selection) (any, error) {
				return cascade.Collect(ctx, c.pager(), func(ctx context.Context, offset, limit int) ([]fleet.Schedule, error) {
					return c.backend.Schedules(ctx, sel.Device, offset, limit)
				}, scheduleID)
			},
			IDs: func(data any) []string {
				schedules, _ := data.([]fleet.Schedule)
				return ids(schedules, scheduleID)
			},
		},
		{
			ID:       state.StagePoints,
			Owns:     state.FieldReturnPoint,
			Requires: []state.Field{state.FieldDevice, state.FieldMap},
			Load: func(ctx context.Context, sel state.Selection) (any, error) {
				return cascade.Collect(ctx, c.pager(), func(ctx context.Context, offset, limit int) ([]fleet.Point, error) {
					return c.backend.Points(ctx, sel.Device, sel.Map, offset, limit)
				}, pointID)
			},
			IDs: func(data any) []string {
				points, _ := data.([]fleet.Point)
				return ids(points, pointID)
			},
		},
	}
}

func (c *Console) loadShops(ctx context.Context, _ state.Selection) (any, error) {
	return cascade.Collect(ctx, c.pager(), c.backend.Shops, func(s fleet.Shop) string { return s.ID })
}

// loadDevices lists the shop's robots and keeps those that pass the
// validity check.
func (c *Console) loadDevices(ctx context.Context, sel state.Selection) (any, error) {
	robots, err := cascade.Collect(ctx, c.pager(), func(ctx context.Context, offset, limit int) ([]fleet.Robot, error) {
		return c.backend.Robots(ctx, sel.Shop, offset, limit)
	}, func(r fleet.Robot) string { return r.SN })
	if err != nil {
		return nil, err
	}

	sns := ids(robots, func(r fleet.Robot) string { return r.SN })
	verdicts, err := c.validator.ValidateAll(ctx, sns, c.cfg.ValidateConcurrency)
	if err != nil {
		return nil, err
	}

	list := DeviceList{Robots: make([]fleet.Robot, 0, len(robots))}
	for _, r := range robots {
		if v := verdicts[r.SN]; v.Valid {
			list.Robots = append(list.Robots, r)
		} else {
			list.Rejected = append(list.Rejected, Rejection{SN: r.SN, Reason: v.Reason})
		}
	}
	c.logger.Debug("devices validated", "shop", sel.Shop, "valid", len(list.Robots), "rejected", len(list.Rejected))
	return list, nil
}

func (c *Console) checkValidity(ctx context.Context, sn string) (validate.Verdict, error) {
	v, err := c.backend.Validity(ctx, sn)
	if err != nil {
		return validate.Verdict{}, err
	}
	return validate.Verdict{Valid: v.Valid, Reason: v.Reason}, nil
}

func mapName(m fleet.Map) string        { return m.Name }
func scheduleID(s fleet.Schedule) string { return s.ID }
func pointID(p fleet.Point) string       { return p.ID }

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = id(it)
	}
	return out
}
