// Package routing defines the route-search collaborator a virtual car uses
// to derive trip polylines.
package routing

import "context"

// Waypoint is one point of a route polyline.
type Waypoint struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	LinkID string  `json:"linkId,omitempty"`
}

// Route is an ordered sequence of waypoints.
type Route struct {
	Waypoints []Waypoint `json:"waypoints"`
}

// Searcher resolves a driving route between two coordinates. Implementations
// must bound their own timeouts; callers retry and fall back to a direct
// line, they never block indefinitely.
type Searcher interface {
	Search(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (Route, error)
}
