package route

import (
	"math"

	"github.com/orderlink/orderlink/internal/events"
)

// Local fallback heuristics used when no optimizer credential is configured
// or the remote call fails in tolerant mode. Everything here is a pure
// function of the input coordinates, so two calls with identical input give
// identical answers.

const (
	earthRadiusKm = 6371.0

	// fallbackSpeedKmh is the assumed average travel speed.
	fallbackSpeedKmh = 40.0

	// fallbackCostPerKm prices a route for the summary.
	fallbackCostPerKm = 2.5
)

// haversineKm returns the straight-line distance between two coordinates.
func haversineKm(a, b events.Location) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// travelMinutes converts a distance to a duration at the fallback speed.
func travelMinutes(distanceKm float64) float64 {
	return distanceKm / fallbackSpeedKmh * 60
}

// fallbackOptimize orders the stops by repeatedly visiting the nearest
// unvisited stop, starting from the first one, and prices the result.
func fallbackOptimize(stops []events.Location, vehicles []string) events.RouteOptimized {
	result := events.RouteOptimized{Fallback: true}
	if len(stops) == 0 {
		return result
	}

	visited := make([]bool, len(stops))
	order := make([]events.Location, 0, len(stops))

	current := 0
	visited[0] = true
	order = append(order, stops[0])

	total := 0.0
	for range stops[1:] {
		next := -1
		best := math.MaxFloat64
		for i, stop := range stops {
			if visited[i] {
				continue
			}
			if d := haversineKm(stops[current], stop); d < best {
				best = d
				next = i
			}
		}
		if next < 0 {
			break
		}
		visited[next] = true
		total += best
		current = next
		order = append(order, stops[next])
	}

	vehicle := ""
	if len(vehicles) > 0 {
		vehicle = vehicles[0]
	}

	result.TotalDistance = total
	result.TotalTime = travelMinutes(total)
	result.TotalCost = total * fallbackCostPerKm
	result.Routes = []any{map[string]any{
		"vehicle": vehicle,
		"stops":   order,
	}}
	return result
}

// fallbackETA computes a point-to-point estimate from the haversine distance.
func fallbackETA(origin, destination events.Location) events.RouteETACalculated {
	distance := haversineKm(origin, destination)
	return events.RouteETACalculated{
		Distance:          distance,
		Duration:          travelMinutes(distance),
		TrafficConsidered: false,
		Fallback:          true,
	}
}
