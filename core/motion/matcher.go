package motion

// TripMatcher is the external driver-behavior analytics collaborator asked
// whether an ongoing trip already exists near a position. When it reports a
// match, the car leaves its tripID unassigned to avoid duplicate analytics.
type TripMatcher interface {
	NearbyTrip(lat, lon, radiusM float64) (tripID string, found bool)
}

// NopTripMatcher never matches.
type NopTripMatcher struct{}

func (NopTripMatcher) NearbyTrip(float64, float64, float64) (string, bool) { return "", false }
