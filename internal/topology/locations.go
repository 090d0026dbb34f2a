package topology

import (
	"context"
	"math"
	"strconv"
)

const (
	earthRadiusM = 6371000.0
	// phoneOffsetM is the distance between a phone and its router.
	phoneOffsetM = 100.0
	// phoneBearingStep is the bearing per unit of the phone number's last digit.
	phoneBearingStep = 36.0
)

// LocationFetcher looks up the coordinates a node reports for itself.
type LocationFetcher interface {
	FetchLocation(ctx context.Context, hostname string) (lat, lon string, err error)
}

// LocationResult counts what FetchAllLocations filled in.
type LocationResult struct {
	Fetched     int
	Failed      int
	Synthesized int
}

// FetchAllLocations fills in missing coordinates. Routers and servers are
// asked for their own location through fetcher, without holding the store
// lock. Phones are then placed at a fixed offset from a located router that
// links to them.
func (s *Store) FetchAllLocations(ctx context.Context, fetcher LocationFetcher) LocationResult {
	var res LocationResult

	if fetcher != nil {
		var pending []string
		for _, n := range s.Nodes() {
			if n.Type != TypePhone && !n.HasLocation() {
				pending = append(pending, n.Name)
			}
		}
		for _, name := range pending {
			if ctx.Err() != nil {
				return res
			}
			lat, lon, err := fetcher.FetchLocation(ctx, name)
			if err != nil || lat == "" || lon == "" {
				res.Failed++
				continue
			}
			if s.SetLocation(name, lat, lon) {
				res.Fetched++
			}
		}
	}

	res.Synthesized = s.synthesizePhoneLocations()
	return res
}

func (s *Store) synthesizePhoneLocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	placed := 0
	for _, phone := range s.nodes {
		if phone.Type != TypePhone || phone.HasLocation() {
			continue
		}
		for _, c := range s.conns {
			if c.To != phone.Name {
				continue
			}
			i, ok := s.nodeIndex[c.From]
			if !ok {
				continue
			}
			router := s.nodes[i]
			if router.Type != TypeRouter || !router.HasLocation() {
				continue
			}
			lat, lon, ok := PhoneOffset(router.Lat, router.Lon, phone.Name)
			if !ok {
				continue
			}
			phone.Lat, phone.Lon = lat, lon
			placed++
			break
		}
	}
	return placed
}

// PhoneOffset returns coordinates phoneOffsetM metres from the router at a
// bearing of 36 degrees per unit of the phone number's last digit. The result
// depends only on its inputs.
func PhoneOffset(routerLat, routerLon, phone string) (lat, lon string, ok bool) {
	rLat, err := strconv.ParseFloat(routerLat, 64)
	if err != nil {
		return "", "", false
	}
	rLon, err := strconv.ParseFloat(routerLon, 64)
	if err != nil {
		return "", "", false
	}

	digit := 0
	for i := len(phone) - 1; i >= 0; i-- {
		if c := phone[i]; c >= '0' && c <= '9' {
			digit = int(c - '0')
			break
		}
	}
	bearing := float64(digit) * phoneBearingStep * math.Pi / 180

	dLat := phoneOffsetM * math.Cos(bearing) / earthRadiusM
	dLon := phoneOffsetM * math.Sin(bearing) / (earthRadiusM * math.Cos(rLat*math.Pi/180))

	lat = strconv.FormatFloat(rLat+dLat*180/math.Pi, 'f', 6, 64)
	lon = strconv.FormatFloat(rLon+dLon*180/math.Pi, 'f', 6, 64)
	return lat, lon, true
}
