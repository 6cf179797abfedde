package service

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fleetlink/relay/module/core/domain"
)

const (
	earthRadiusMeters = 6371000
	// DefaultProximityRadiusM is the within-radius threshold applied when
	// no radius is configured.
	DefaultProximityRadiusM = 500
)

var metersPerDegLat = earthRadiusMeters * math.Pi / 180

type geoPos struct {
	lat, lon float64
}

type gridCell struct {
	latIdx, lonIdx int
}

// ProximityService computes, on every accepted location update, the
// within-radius set for the moving vehicle and diffs it against the
// previously emitted state, so each pair transition fires exactly once.
//
// A coarse lat/lon grid prunes candidates; membership is always confirmed
// with the exact haversine distance. The radius check is inclusive.
type ProximityService struct {
	mu       sync.Mutex
	radius   float64
	cellDeg  float64
	lonCells int // cells per full circle of longitude

	positions map[string]geoPos
	order     []string // vehicles in the order they first reported a fix
	grid      map[gridCell]map[string]struct{}
	inside    map[string]map[string]struct{} // symmetric: peers currently within radius

	now func() time.Time
}

type ProximityResult struct {
	// Events are phrased from the moving vehicle's point of view; the
	// symmetric copy for each peer comes from Swapped.
	Events []domain.ProximityEvent
	Nearby []domain.NearbyVehicle
}

func NewProximityService(radiusMeters float64) *ProximityService {
	if radiusMeters <= 0 {
		radiusMeters = DefaultProximityRadiusM
	}
	cellDeg := radiusMeters / metersPerDegLat
	lonCells := int(math.Round(360 / cellDeg))
	if lonCells < 1 {
		lonCells = 1
	}
	return &ProximityService{
		radius:    radiusMeters,
		cellDeg:   cellDeg,
		lonCells:  lonCells,
		positions: make(map[string]geoPos),
		grid:      make(map[gridCell]map[string]struct{}),
		inside:    make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

// Update records the vehicle's new position and returns the enter/exit
// transitions it caused plus the current nearby snapshot, sorted by
// ascending distance with ties kept in first-fix order.
func (s *ProximityService) Update(vehicleID string, lat, lon float64) ProximityResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := geoPos{lat, lon}
	prev, known := s.positions[vehicleID]
	if !known {
		s.order = append(s.order, vehicleID)
	} else {
		s.gridRemove(prev, vehicleID)
	}
	s.positions[vehicleID] = pos
	s.gridAdd(pos, vehicleID)

	candidates := s.candidates(pos, vehicleID)
	// Pairs currently marked inside must be re-checked even when the peer
	// fell out of the grid neighborhood, or the exit would never fire.
	for peer := range s.inside[vehicleID] {
		candidates[peer] = struct{}{}
	}

	ts := s.now().UnixMilli()
	var res ProximityResult
	for _, peer := range s.order {
		if _, ok := candidates[peer]; !ok {
			continue
		}
		peerPos := s.positions[peer]
		dist := haversine(lat, lon, peerPos.lat, peerPos.lon)
		wasInside := s.isInside(vehicleID, peer)
		nowInside := dist <= s.radius

		switch {
		case nowInside && !wasInside:
			s.markInside(vehicleID, peer)
			res.Events = append(res.Events, domain.ProximityEvent{
				EventType:     domain.ProximityEnter,
				VehicleID:     vehicleID,
				PeerVehicleID: peer,
				DistanceM:     roundMeters(dist),
				TS:            ts,
			})
		case !nowInside && wasInside:
			s.unmarkInside(vehicleID, peer)
			res.Events = append(res.Events, domain.ProximityEvent{
				EventType:     domain.ProximityExit,
				VehicleID:     vehicleID,
				PeerVehicleID: peer,
				DistanceM:     roundMeters(dist),
				TS:            ts,
			})
		}

		if nowInside {
			res.Nearby = append(res.Nearby, domain.NearbyVehicle{
				VehicleID: peer,
				DistanceM: roundMeters(dist),
				Latitude:  peerPos.lat,
				Longitude: peerPos.lon,
			})
		}
	}

	sort.SliceStable(res.Nearby, func(i, j int) bool {
		return res.Nearby[i].DistanceM < res.Nearby[j].DistanceM
	})
	return res
}

// Remove forgets the vehicle's position and garbage-collects every pair
// involving it. No synthetic exit events fire; presence_update carries the
// disconnect to clients.
func (s *ProximityService) Remove(vehicleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[vehicleID]
	if !ok {
		return
	}
	s.gridRemove(pos, vehicleID)
	delete(s.positions, vehicleID)
	for i, id := range s.order {
		if id == vehicleID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for peer := range s.inside[vehicleID] {
		delete(s.inside[peer], vehicleID)
		if len(s.inside[peer]) == 0 {
			delete(s.inside, peer)
		}
	}
	delete(s.inside, vehicleID)
}

// cellFor buckets a position. Longitude indices wrap modulo the cells per
// full circle so the cells at +180 and -180 are neighbors.
func (s *ProximityService) cellFor(pos geoPos) gridCell {
	return gridCell{
		latIdx: int(math.Floor(pos.lat / s.cellDeg)),
		lonIdx: s.wrapLon(int(math.Floor(pos.lon / s.cellDeg))),
	}
}

func (s *ProximityService) wrapLon(idx int) int {
	return ((idx % s.lonCells) + s.lonCells) % s.lonCells
}

func (s *ProximityService) gridAdd(pos geoPos, vehicleID string) {
	cell := s.cellFor(pos)
	if s.grid[cell] == nil {
		s.grid[cell] = make(map[string]struct{})
	}
	s.grid[cell][vehicleID] = struct{}{}
}

func (s *ProximityService) gridRemove(pos geoPos, vehicleID string) {
	cell := s.cellFor(pos)
	delete(s.grid[cell], vehicleID)
	if len(s.grid[cell]) == 0 {
		delete(s.grid, cell)
	}
}

// candidates gathers vehicles from the grid neighborhood of pos. One cell
// edge spans the radius in latitude; longitude degrees shrink with
// cos(lat), so the scan widens by 1/cos(lat), clamped near the poles.
func (s *ProximityService) candidates(pos geoPos, selfID string) map[string]struct{} {
	cosLat := math.Cos(pos.lat * math.Pi / 180)
	if cosLat < 0.05 {
		cosLat = 0.05
	}
	lonSpan := int(math.Ceil(1 / cosLat))

	if lonSpan*2+1 > s.lonCells {
		lonSpan = s.lonCells / 2
	}

	center := s.cellFor(pos)
	out := make(map[string]struct{})
	for dLat := -1; dLat <= 1; dLat++ {
		for dLon := -lonSpan; dLon <= lonSpan; dLon++ {
			cell := gridCell{center.latIdx + dLat, s.wrapLon(center.lonIdx + dLon)}
			for id := range s.grid[cell] {
				if id != selfID {
					out[id] = struct{}{}
				}
			}
		}
	}
	return out
}

func (s *ProximityService) isInside(a, b string) bool {
	_, ok := s.inside[a][b]
	return ok
}

func (s *ProximityService) markInside(a, b string) {
	if s.inside[a] == nil {
		s.inside[a] = make(map[string]struct{})
	}
	if s.inside[b] == nil {
		s.inside[b] = make(map[string]struct{})
	}
	s.inside[a][b] = struct{}{}
	s.inside[b][a] = struct{}{}
}

func (s *ProximityService) unmarkInside(a, b string) {
	delete(s.inside[a], b)
	delete(s.inside[b], a)
	if len(s.inside[a]) == 0 {
		delete(s.inside, a)
	}
	if len(s.inside[b]) == 0 {
		delete(s.inside, b)
	}
}

func roundMeters(d float64) float64 {
	return math.Round(d*10) / 10
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
