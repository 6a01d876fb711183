// Package routing implements the route-search client against an OSRM-style
// HTTP routing service.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openfleet/carsim/core/routing"
	"github.com/openfleet/carsim/infra/logger"
)

// Config holds the routing service endpoint.
type Config struct {
	// BaseURL is the service root, e.g. "https://router.project-osrm.org".
	BaseURL string `json:"base_url"`
	// TimeoutSeconds bounds one route request.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://router.project-osrm.org"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
}

// Client queries the /route/v1/driving endpoint.
type Client struct {
	base   string
	client *http.Client
	log    logger.Logger
}

// NewClient creates a routing client for the configured endpoint.
func NewClient(cfg Config) *Client {
	cfg.SetDefaults()
	return &Client{
		base:   cfg.BaseURL,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		log:    logger.New("route-search"),
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Search requests a driving route. The polyline is returned as lat/lon
// waypoints in travel order.
func (c *Client) Search(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (routing.Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?overview=full&geometries=geojson",
		c.base, fromLon, fromLat, toLon, toLat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return routing.Route{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return routing.Route{}, fmt.Errorf("route search: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Warnf("close response body: %v", cerr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return routing.Route{}, fmt.Errorf("route search: unexpected status %d", resp.StatusCode)
	}
	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return routing.Route{}, fmt.Errorf("route search: decode: %w", err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return routing.Route{}, fmt.Errorf("route search: no route (code %q)", body.Code)
	}
	coords := body.Routes[0].Geometry.Coordinates
	route := routing.Route{Waypoints: make([]routing.Waypoint, 0, len(coords))}
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		route.Waypoints = append(route.Waypoints, routing.Waypoint{Lat: c[1], Lon: c[0]})
	}
	return route, nil
}
