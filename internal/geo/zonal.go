package geo

import (
	"fmt"
	"sort"
)

// Zones groups cell indices by integer zone id, skipping nodata and zero.
func Zones(g *Grid) map[int][]int {
	zones := make(map[int][]int)
	for i, v := range g.Data {
		if g.IsNoData(v) || v == 0 {
			continue
		}
		id := int(v)
		zones[id] = append(zones[id], i)
	}
	return zones
}

// ZoneIDs returns the sorted zone ids.
func ZoneIDs(zones map[int][]int) []int {
	ids := make([]int, 0, len(zones))
	for id := range zones {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Majority returns the dominant integer class of layer within each zone.
// Ties go to the smaller class value.
func Majority(zones map[int][]int, layer *Grid) map[int]int {
	out := make(map[int]int, len(zones))
	for id, cells := range zones {
		counts := make(map[int]int)
		for _, i := range cells {
			v := layer.Data[i]
			if layer.IsNoData(v) {
				continue
			}
			counts[int(v)]++
		}
		best, bestN := 0, -1
		for class, n := range counts {
			if n > bestN || (n == bestN && class < best) {
				best, bestN = class, n
			}
		}
		if bestN > 0 {
			out[id] = best
		}
	}
	return out
}

// Mean returns the mean of layer within each zone, ignoring nodata.
func Mean(zones map[int][]int, layer *Grid) map[int]float64 {
	out := make(map[int]float64, len(zones))
	for id, cells := range zones {
		var sum float64
		var n int
		for _, i := range cells {
			v := layer.Data[i]
			if layer.IsNoData(v) {
				continue
			}
			sum += v
			n++
		}
		if n > 0 {
			out[id] = sum / float64(n)
		}
	}
	return out
}

// Centroid returns the mean pixel-center coordinate of a zone.
func Centroid(g *Grid, cells []int) (x, y float64) {
	if len(cells) == 0 {
		return 0, 0
	}
	for _, i := range cells {
		cx, cy := g.Transform.PixelCenter(i/g.Cols, i%g.Cols)
		x += cx
		y += cy
	}
	n := float64(len(cells))
	return x / n, y / n
}

// CheckAligned returns an error when layer is not on the same grid as base.
func CheckAligned(base, layer *Grid, name string) error {
	if !base.SameShape(layer) {
		return fmt.Errorf("%s is %dx%d, expected %dx%d", name, layer.Rows, layer.Cols, base.Rows, base.Cols)
	}
	return nil
}
