// Package analysis derives aggregates and filtered views from a detection snapshot.
package analysis

import (
	"time"

	"github.com/montanaflynn/stats"
	"github.com/samber/lo"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// Summarize groups detections by class. Classes appear in the order they are
// first seen; AverageDepth is the mean over valid readings only and is nil
// when a class has none.
func Summarize(detections []types.Detection, at time.Time) types.Summary {
	groups := lo.GroupBy(detections, func(d types.Detection) string { return d.Class })
	order := lo.Uniq(lo.Map(detections, func(d types.Detection, _ int) string { return d.Class }))

	objects := make([]types.ClassSummary, 0, len(order))
	for _, class := range order {
		members := groups[class]
		cs := types.ClassSummary{Class: class, Count: len(members)}

		depths := lo.FilterMap(members, func(d types.Detection, _ int) (float64, bool) {
			return d.Depth, d.DepthValid
		})
		if len(depths) > 0 {
			if mean, err := stats.Mean(depths); err == nil {
				cs.AverageDepth = &mean
			}
		}
		objects = append(objects, cs)
	}

	return types.Summary{
		TotalObjects: len(detections),
		Objects:      objects,
		Timestamp:    at,
	}
}
