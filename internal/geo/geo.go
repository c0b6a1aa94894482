package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultRadiusMeters is the operational matching radius. The surge
// engine samples supply over the same radius so pricing and matching
// see one supply picture.
const DefaultRadiusMeters = 5000

// Index is the minimal surface required by the dispatcher and the
// surge engine.
type Index interface {
	Upsert(d models.Driver)
	SetAvailability(driverID string, st models.DriverStatus)
	Remove(driverID string)
	// Nearest returns up to limit available drivers of the class within
	// radiusMeters of p, nearest first, excluding any id in exclude.
	Nearest(p models.Coord, class models.VehicleClass, radiusMeters float64, limit int, exclude map[string]bool) []models.Driver
	// CountAvailable counts available drivers of the class within
	// radiusMeters of p.
	CountAvailable(p models.Coord, class models.VehicleClass, radiusMeters float64) int
}

// MemIndex keeps every driver in a map and scans on query. Fine for a
// single process; the Redis implementation covers anything bigger.
type MemIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemIndex() *MemIndex {
	return &MemIndex{drivers: make(map[string]models.Driver)}
}

func (g *MemIndex) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	if prev, ok := g.drivers[d.ID]; ok {
		// telemetry-only samples carry neither status nor class
		if d.Status == "" {
			d.Status = prev.Status
		}
		if d.VehicleClass == "" {
			d.VehicleClass = prev.VehicleClass
		}
	}
	if d.Status == "" {
		d.Status = models.DriverAvailable
	}
	g.drivers[d.ID] = d
}

func (g *MemIndex) SetAvailability(driverID string, st models.DriverStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return
	}
	d.Status = st
	d.Updated = time.Now()
	g.drivers[driverID] = d
}

func (g *MemIndex) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
}

// Get returns the current entry for a driver.
func (g *MemIndex) Get(driverID string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

func (g *MemIndex) Nearest(p models.Coord, class models.VehicleClass, radiusMeters float64, limit int, exclude map[string]bool) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if d.Status != models.DriverAvailable {
			continue
		}
		if class != "" && d.VehicleClass != class {
			continue
		}
		if exclude[d.ID] {
			continue
		}
		dist := Haversine(p.Lat, p.Lng, d.Loc.Lat, d.Loc.Lng)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	// nearest first; ties broken by id so cascades are deterministic
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.ID < arr[j].d.ID
	})
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, pr := range arr {
		out = append(out, pr.d)
	}
	return out
}

func (g *MemIndex) CountAvailable(p models.Coord, class models.VehicleClass, radiusMeters float64) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, d := range g.drivers {
		if d.Status != models.DriverAvailable {
			continue
		}
		if class != "" && d.VehicleClass != class {
			continue
		}
		if Haversine(p.Lat, p.Lng, d.Loc.Lat, d.Loc.Lng) <= radiusMeters {
			n++
		}
	}
	return n
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
