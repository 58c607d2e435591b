package geo

import (
	"math"
	"sync"

	"github.com/morallyearlgrey/carpool/internal/models"
)

// Index answers "which published offers start near this point". It is used
// to pre-filter the rides candidate pool before scoring; the scorer itself
// never touches it.
type Index interface {
	Nearby(lat, lon float64, radiusKm float64, limit int) []string
	Upsert(offerID string, origin models.Coord)
	Remove(offerID string)
}

// HaversineKm is the great-circle distance between two points in km.
func HaversineKm(a, b models.Coord) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// MemoryIndex is the zero-infrastructure Index used when Redis is not
// configured. Naive scan; fine for a single node.
type MemoryIndex struct {
	mu      sync.RWMutex
	origins map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{origins: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(offerID string, origin models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.origins[offerID] = origin
}

func (g *MemoryIndex) Remove(offerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.origins, offerID)
}

func (g *MemoryIndex) Nearby(lat, lon, radiusKm float64, limit int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.origins))
	from := models.Coord{Lat: lat, Lon: lon}
	for id, o := range g.origins {
		d := HaversineKm(from, o)
		if d > radiusKm {
			continue
		}
		arr = append(arr, pair{id, d})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].id)
	}
	return out
}
