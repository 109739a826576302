package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// API is the typed view of the robot API on top of a Fetcher.
type API struct {
	fetcher Fetcher
}

// NewAPI wraps f.
func NewAPI(f Fetcher) *API {
	return &API{fetcher: f}
}

// page is the list payload of paginated endpoints.
type page[T any] struct {
	List  []T `json:"list"`
	Total int `json:"total"`
}

// Shops returns one page of shops.
func (a *API) Shops(ctx context.Context, offset, limit int) ([]Shop, error) {
	return listPage[Shop](ctx, a.fetcher, "list_shops", "shops", nil, offset, limit)
}

// Robots returns one page of the robots bound to shopID.
func (a *API) Robots(ctx context.Context, shopID string, offset, limit int) ([]Robot, error) {
	q := url.Values{"shop_id": {shopID}}
	return listPage[Robot](ctx, a.fetcher, "list_robots", "robots", q, offset, limit)
}

// Validity asks the secondary endpoint whether sn is currently usable.
func (a *API) Validity(ctx context.Context, sn string) (Validity, error) {
	var v Validity
	err := get(ctx, a.fetcher, Request{
		Op:   "robot_validity",
		Path: "robots/" + url.PathEscape(sn) + "/validity",
	}, &v)
	return v, err
}

// RobotDetail returns the live status of sn.
func (a *API) RobotDetail(ctx context.Context, sn string) (*RobotDetail, error) {
	var d RobotDetail
	if err := get(ctx, a.fetcher, Request{
		Op:   "robot_detail",
		Path: "robots/" + url.PathEscape(sn),
	}, &d); err != nil {
		return nil, err
	}
	if d.SN == "" {
		d.SN = sn
	}
	return &d, nil
}

// Tasks returns one page of the tasks available to sn in shopID.
func (a *API) Tasks(ctx context.Context, shopID, sn string, offset, limit int) ([]Task, error) {
	q := url.Values{"shop_id": {shopID}, "sn": {sn}}
	return listPage[Task](ctx, a.fetcher, "list_tasks", "tasks", q, offset, limit)
}

// Maps returns one page of the maps stored on sn.
func (a *API) Maps(ctx context.Context, sn string, offset, limit int) ([]Map, error) {
	q := url.Values{"sn": {sn}}
	return listPage[Map](ctx, a.fetcher, "list_maps", "maps", q, offset, limit)
}

// Schedules returns one page of the schedules of sn.
func (a *API) Schedules(ctx context.Context, sn string, offset, limit int) ([]Schedule, error) {
	q := url.Values{"sn": {sn}}
	return listPage[Schedule](ctx, a.fetcher, "list_schedules", "schedules", q, offset, limit)
}

// Points returns one page of the points on mapName of sn.
func (a *API) Points(ctx context.Context, sn, mapName string, offset, limit int) ([]Point, error) {
	q := url.Values{"sn": {sn}}
	return listPage[Point](ctx, a.fetcher, "list_points", "maps/"+url.PathEscape(mapName)+"/points", q, offset, limit)
}

func listPage[T any](ctx context.Context, f Fetcher, op, path string, q url.Values, offset, limit int) ([]T, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	var p page[T]
	if err := get(ctx, f, Request{Op: op, Path: path, Query: q}, &p); err != nil {
		return nil, err
	}
	return p.List, nil
}

func get(ctx context.Context, f Fetcher, req Request, out any) error {
	data, err := f.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if len(data) == 0 || string(data) == "null" {
		return &APIError{Op: req.Op, Status: 200, Message: "empty data"}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &NetworkError{Op: req.Op, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}
