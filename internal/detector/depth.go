package detector

import (
	"math"

	"github.com/montanaflynn/stats"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// depthWindow is the half-size of the neighborhood consulted when the
// center pixel has no reading.
const depthWindow = 2

// CenterDepth reads the distance at (x, y). When that pixel has no reading
// the median of valid readings in the surrounding 5x5 window is used.
func CenterDepth(depth *types.DepthFrame, x, y int) float64 {
	if depth == nil {
		return math.NaN()
	}
	if v := depth.Meters(x, y); !math.IsNaN(v) {
		return v
	}

	var near stats.Float64Data
	for dy := -depthWindow; dy <= depthWindow; dy++ {
		for dx := -depthWindow; dx <= depthWindow; dx++ {
			if v := depth.Meters(x+dx, y+dy); !math.IsNaN(v) {
				near = append(near, v)
			}
		}
	}
	if len(near) == 0 {
		return math.NaN()
	}
	m, err := near.Median()
	if err != nil {
		return math.NaN()
	}
	return m
}
