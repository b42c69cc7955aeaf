package geo

import (
	"fmt"
	"math"

	"github.com/weppcloud/weppcloud/internal/models"
)

// ChannelCell reports whether a junction raster value marks a channel cell.
// Channel cells carry 1 for interior cells and the inflow count at junctions.
func ChannelCell(v float64) bool {
	return v >= 1
}

// Snap is the result of snapping a requested pixel to the channel network.
type Snap struct {
	Row      int
	Col      int
	Distance float64 // pixels, euclidean
	Visited  int
}

var neighbours8 = [8][2]int{
	{0, 1}, {1, 1}, {1, 0}, {1, -1}, {0, -1}, {-1, -1}, {-1, 0}, {-1, 1},
}

// FindClosestChannel searches breadth first from (row, col) for the nearest
// channel cell. Within the first BFS ring that contains a channel cell the
// euclidean nearest wins. The search gives up after visiting limit cells.
func FindClosestChannel(jnt *Grid, row, col, limit int) (Snap, error) {
	if !jnt.InBounds(row, col) {
		return Snap{}, models.NewValidationError("outlet", "pixel (%d, %d) is outside the raster", row, col)
	}
	if limit <= 0 {
		limit = jnt.Rows * jnt.Cols
	}

	isTarget := func(r, c int) bool {
		v := jnt.At(r, c)
		return !jnt.IsNoData(v) && ChannelCell(v)
	}
	if isTarget(row, col) {
		return Snap{Row: row, Col: col, Visited: 1}, nil
	}

	visited := make(map[int]bool, 64)
	visited[row*jnt.Cols+col] = true
	frontier := [][2]int{{row, col}}
	count := 1

	for len(frontier) > 0 {
		var next [][2]int
		best := Snap{Distance: math.Inf(1)}
		for _, p := range frontier {
			for _, d := range neighbours8 {
				r, c := p[0]+d[0], p[1]+d[1]
				if !jnt.InBounds(r, c) || visited[r*jnt.Cols+c] {
					continue
				}
				visited[r*jnt.Cols+c] = true
				count++
				if count > limit {
					return Snap{}, models.NewValidationError("outlet",
						"no channel found within %d cells of (%d, %d)", limit, row, col)
				}
				if isTarget(r, c) {
					dist := math.Hypot(float64(r-row), float64(c-col))
					if dist < best.Distance || (dist == best.Distance && (r < best.Row || (r == best.Row && c < best.Col))) {
						best = Snap{Row: r, Col: c, Distance: dist}
					}
				}
				next = append(next, [2]int{r, c})
			}
		}
		if !math.IsInf(best.Distance, 1) {
			best.Visited = count
			return best, nil
		}
		frontier = next
	}
	return Snap{}, fmt.Errorf("%w: no channel cells in raster", models.ErrNotFound)
}
