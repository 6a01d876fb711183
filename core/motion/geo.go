package motion

import "math"

const earthRadiusM = 6371000.0

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// haversineM returns the great-circle distance between two coordinates in
// meters.
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dPhi := toRad(lat2 - lat1)
	dLambda := toRad(lon2 - lon1)
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// bearingDeg returns the initial bearing from the first to the second
// coordinate, normalized to [0, 360).
func bearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dLambda := toRad(lon2 - lon1)
	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return math.Mod(toDeg(math.Atan2(y, x))+360, 360)
}

// midpointOf returns the geographic midpoint of two coordinates.
func midpointOf(lat1, lon1, lat2, lon2 float64) (float64, float64) {
	phi1, phi2 := toRad(lat1), toRad(lat2)
	lambda1 := toRad(lon1)
	dLambda := toRad(lon2 - lon1)
	bx := math.Cos(phi2) * math.Cos(dLambda)
	by := math.Cos(phi2) * math.Sin(dLambda)
	phi3 := math.Atan2(math.Sin(phi1)+math.Sin(phi2),
		math.Sqrt((math.Cos(phi1)+bx)*(math.Cos(phi1)+bx)+by*by))
	lambda3 := lambda1 + math.Atan2(by, math.Cos(phi1)+bx)
	return toDeg(phi3), toDeg(lambda3)
}

// destinationPoint returns the coordinate reached from the origin after
// traveling dist meters along the given bearing.
func destinationPoint(lat, lon, bearing, distM float64) (float64, float64) {
	phi1 := toRad(lat)
	lambda1 := toRad(lon)
	theta := toRad(bearing)
	delta := distM / earthRadiusM
	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) +
		math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))
	return toDeg(phi2), toDeg(lambda2)
}
