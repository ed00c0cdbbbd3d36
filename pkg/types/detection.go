package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// BoundingBox is an axis-aligned rectangle in pixel coordinates of the color frame.
// It is serialized as [startX, startY, endX, endY].
type BoundingBox struct {
	StartX int
	StartY int
	EndX   int
	EndY   int
}

// Center returns the integer midpoint of the box
func (b BoundingBox) Center() (int, int) {
	return (b.StartX + b.EndX) / 2, (b.StartY + b.EndY) / 2
}

// Valid reports whether the box has startX <= endX and startY <= endY
func (b BoundingBox) Valid() bool {
	return b.StartX <= b.EndX && b.StartY <= b.EndY
}

// Normalize returns the box with its ends swapped where start > end
func (b BoundingBox) Normalize() BoundingBox {
	if b.StartX > b.EndX {
		b.StartX, b.EndX = b.EndX, b.StartX
	}
	if b.StartY > b.EndY {
		b.StartY, b.EndY = b.EndY, b.StartY
	}
	return b
}

func (b BoundingBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.StartX, b.StartY, b.EndX, b.EndY})
}

func (b *BoundingBox) UnmarshalJSON(data []byte) error {
	var v [4]int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	b.StartX, b.StartY, b.EndX, b.EndY = v[0], v[1], v[2], v[3]
	return nil
}

// RawDetection is what a detector reports before depth enrichment
type RawDetection struct {
	Class      string
	Confidence float64
	BBox       BoundingBox
}

// Detection is one recognized object with its distance from the sensor
type Detection struct {
	Class      string      `json:"class"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
	Depth      float64     `json:"depth"`
	DepthValid bool        `json:"depth_valid"`
	CapturedAt time.Time   `json:"timestamp"`
}

// NewDetection builds a Detection from a raw detector result and a depth reading.
// Readings that are NaN, infinite or non-positive are kept with DepthValid=false.
func NewDetection(raw RawDetection, depth float64, capturedAt time.Time) Detection {
	d := Detection{
		Class:      raw.Class,
		Confidence: raw.Confidence,
		BBox:       raw.BBox,
		CapturedAt: capturedAt,
	}
	if ValidDepth(depth) {
		d.Depth = depth
		d.DepthValid = true
	}
	return d
}

// ValidDepth reports whether a reading is a usable distance
func ValidDepth(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// ClassSummary aggregates detections of one class
type ClassSummary struct {
	Class        string   `json:"class"`
	Count        int      `json:"count"`
	AverageDepth *float64 `json:"average_depth"`
}

// Summary is the per-class aggregate of one snapshot
type Summary struct {
	TotalObjects int            `json:"total_objects"`
	Objects      []ClassSummary `json:"objects"`
	Timestamp    time.Time      `json:"timestamp"`
}
