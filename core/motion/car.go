// Package motion implements the car motion model: trip computation against
// the route-search collaborator and tick-by-tick position advancement with a
// speed-smoothing pass.
package motion

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfleet/carsim/core/logger"
	"github.com/openfleet/carsim/core/model"
	"github.com/openfleet/carsim/core/routing"
)

const searchTimeout = 10 * time.Second

// Hard cap on midpoint insertions per tick. Each insertion halves the step
// distance, so the implied speed converges quickly.
const maxInsertions = 24

// Config holds the motion tuning constants.
type Config struct {
	// HarshDeltaKmh is the per-tick speed change treated as harsh.
	HarshDeltaKmh float64 `json:"harsh_delta_kmh"`
	// MaxSpeedKmh caps the implied speed.
	MaxSpeedKmh float64 `json:"max_speed_kmh"`
	// RouteRetries bounds route-search attempts before the direct fallback.
	RouteRetries int `json:"route_retries"`
	// NearbyTripRadiusM is the distance under which an existing trip is
	// reused instead of assigning a fresh tripID.
	NearbyTripRadiusM float64 `json:"nearby_trip_radius_m"`
	// MinTripM and MaxTripM bound the random trip distance.
	MinTripM float64 `json:"min_trip_m"`
	MaxTripM float64 `json:"max_trip_m"`
	// TickSeconds is the simulated duration of one onRunning tick.
	TickSeconds float64 `json:"tick_seconds"`
}

// SetDefaults applies the default tuning.
func (c *Config) SetDefaults() {
	if c.HarshDeltaKmh <= 0 {
		c.HarshDeltaKmh = 20
	}
	if c.MaxSpeedKmh <= 0 {
		c.MaxSpeedKmh = 120
	}
	if c.RouteRetries <= 0 {
		c.RouteRetries = 5
	}
	if c.NearbyTripRadiusM <= 0 {
		c.NearbyTripRadiusM = 75
	}
	if c.MinTripM <= 0 {
		c.MinTripM = 1000
	}
	if c.MaxTripM <= 0 {
		c.MaxTripM = 5000
	}
	if c.TickSeconds <= 0 {
		c.TickSeconds = 1
	}
}

// Trip is the route a car follows while unlocked.
type Trip struct {
	ID      string
	Route   []routing.Waypoint
	Index   int
	Reverse bool
}

// CarModel implements the device Motion capability for virtual cars.
type CarModel struct {
	mu        sync.Mutex
	cfg       Config
	search    routing.Searcher
	matcher   TripMatcher
	log       logger.Logger
	rng       *rand.Rand
	trip      *Trip
	speedKmh  float64
	computing bool
}

// NewCarModel creates a car motion model. matcher may be nil.
func NewCarModel(cfg Config, search routing.Searcher, matcher TripMatcher, log logger.Logger) *CarModel {
	cfg.SetDefaults()
	if matcher == nil {
		matcher = NopTripMatcher{}
	}
	return &CarModel{
		cfg:     cfg,
		search:  search,
		matcher: matcher,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnCommand reacts to lock/unlock. Lock clears the trip and stops motion;
// unlock computes a fresh trip route in the background.
func (m *CarModel) OnCommand(host model.HookHost, cmd model.Command) bool {
	switch cmd.Name {
	case "lock":
		m.mu.Lock()
		m.trip = nil
		m.speedKmh = 0
		m.mu.Unlock()
		host.SetAttribute("speed", 0.0)
		return true
	case "unlock":
		lat := attrFloat(host, "lat")
		lon := attrFloat(host, "lng")
		go m.StartTrip(lat, lon)
		return true
	}
	return false
}

// StartTrip computes a trip route from the origin: a random destination at a
// bounded random distance and bearing, resolved through the route-search
// collaborator with bounded retries and a direct-line fallback so the
// simulation never stalls.
func (m *CarModel) StartTrip(lat, lon float64) {
	m.mu.Lock()
	if m.computing {
		m.mu.Unlock()
		return
	}
	m.computing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.computing = false
		m.mu.Unlock()
	}()

	var route routing.Route
	var destLat, destLon float64
	found := false
	for attempt := 0; attempt < m.cfg.RouteRetries; attempt++ {
		m.mu.Lock()
		distM := m.cfg.MinTripM + m.rng.Float64()*(m.cfg.MaxTripM-m.cfg.MinTripM)
		brg := m.rng.Float64() * 360
		m.mu.Unlock()
		destLat, destLon = destinationPoint(lat, lon, brg, distM)
		ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
		r, err := m.search.Search(ctx, lat, lon, destLat, destLon)
		cancel()
		if err == nil && len(r.Waypoints) >= 2 {
			route = r
			found = true
			break
		}
		if err != nil && m.log != nil {
			m.log.Warnf("route search attempt %d failed: %v", attempt+1, err)
		}
	}
	if !found {
		// Direct fallback: duplicated origin and destination points stand
		// in for the unavailable polyline.
		route = routing.Route{Waypoints: []routing.Waypoint{
			{Lat: lat, Lon: lon},
			{Lat: lat, Lon: lon},
			{Lat: destLat, Lon: destLon},
			{Lat: destLat, Lon: destLon},
		}}
	}

	tripID := ""
	if _, matched := m.matcher.NearbyTrip(lat, lon, m.cfg.NearbyTripRadiusM); !matched {
		tripID = uuid.NewString()
	}
	m.mu.Lock()
	m.trip = &Trip{ID: tripID, Route: route.Waypoints}
	m.mu.Unlock()
}

// OnTick advances the car one simulated step along its trip route.
func (m *CarModel) OnTick(host model.HookHost) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trip
	if t == nil || len(t.Route) < 2 {
		return
	}
	dir := 1
	if t.Reverse {
		dir = -1
	}
	next := t.Index + dir
	if next < 0 || next >= len(t.Route) {
		return
	}
	t.Index = next

	curLat := attrFloat(host, "lat")
	curLon := attrFloat(host, "lng")
	target := t.Route[t.Index]
	dist := haversineM(curLat, curLon, target.Lat, target.Lon)
	implied := dist * 3.6 / m.cfg.TickSeconds

	// Overly close waypoints would force a harsh brake: treat them as
	// redundant and skip ahead while the route bound allows it.
	for implied < m.speedKmh-m.cfg.HarshDeltaKmh {
		n := t.Index + dir
		if n < 0 || n >= len(t.Route) {
			break
		}
		t.Index = n
		target = t.Route[t.Index]
		dist = haversineM(curLat, curLon, target.Lat, target.Lon)
		implied = dist * 3.6 / m.cfg.TickSeconds
	}

	// Too-distant waypoints would force a harsh acceleration: insert a
	// synthetic midpoint and recompute until the step is smooth.
	for i := 0; (implied > m.cfg.MaxSpeedKmh || implied > m.speedKmh+m.cfg.HarshDeltaKmh) && i < maxInsertions; i++ {
		midLat, midLon := midpointOf(curLat, curLon, target.Lat, target.Lon)
		wp := routing.Waypoint{Lat: midLat, Lon: midLon}
		if t.Reverse {
			t.Route = insertWaypoint(t.Route, t.Index+1, wp)
			t.Index++
		} else {
			t.Route = insertWaypoint(t.Route, t.Index, wp)
		}
		target = t.Route[t.Index]
		dist = haversineM(curLat, curLon, target.Lat, target.Lon)
		implied = dist * 3.6 / m.cfg.TickSeconds
	}

	heading := bearingDeg(curLat, curLon, target.Lat, target.Lon)
	host.SetAttribute("lat", target.Lat)
	host.SetAttribute("lng", target.Lon)
	host.SetAttribute("heading", heading)
	host.SetAttribute("speed", implied)
	m.speedKmh = implied

	if !t.Reverse && t.Index == len(t.Route)-1 {
		// Destination reached: drive the round trip back.
		t.Reverse = true
	} else if t.Reverse && t.Index == 0 {
		// Back at the origin: the round trip is complete, begin a fresh
		// one from here.
		m.trip = nil
		go m.StartTrip(target.Lat, target.Lon)
	}
}

// Snapshot returns a copy of the current trip state.
func (m *CarModel) Snapshot() (Trip, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trip == nil {
		return Trip{}, false
	}
	cp := *m.trip
	cp.Route = append([]routing.Waypoint(nil), m.trip.Route...)
	return cp, true
}

func insertWaypoint(route []routing.Waypoint, pos int, wp routing.Waypoint) []routing.Waypoint {
	route = append(route, routing.Waypoint{})
	copy(route[pos+1:], route[pos:])
	route[pos] = wp
	return route
}

func attrFloat(host model.HookHost, name string) float64 {
	v, ok := host.GetAttribute(name)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
