// Package model contains domain models passed between layers.
package model

import (
	"math"
	"strings"
	"time"
)

// SegmentPass is one measured drive-through of a single grid cell.
// Fields mirror the OpenAPI schema for /passes.
type SegmentPass struct {
	ID               string     `json:"id"`
	CityID           string     `json:"cityId"`
	CellID           string     `json:"cellId"`
	RoughnessPercent float64    `json:"roughnessPercent"`
	SampleCount      int        `json:"sampleCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	Geometry         Geometry   `json:"geometry"`
	RoadTypeHint     string     `json:"roadTypeHint,omitempty"`
	Processed        bool       `json:"processed"`
	ProcessedAt      *time.Time `json:"processedAt,omitempty"`
}

// MissingFields lists the required fields that are empty or not finite.
func (p *SegmentPass) MissingFields() []string {
	var fields []string
	if strings.TrimSpace(p.CityID) == "" {
		fields = append(fields, "cityId")
	}
	if strings.TrimSpace(p.CellID) == "" {
		fields = append(fields, "cellId")
	}
	if !IsFinite(p.RoughnessPercent) {
		fields = append(fields, "roughnessPercent")
	}
	return fields
}

// Weight is the pass sample count with the default of 1 applied.
func (p *SegmentPass) Weight() int {
	return NormalizeSampleCount(p.SampleCount)
}

// NormalizeSampleCount maps missing or non-positive counts to 1.
func NormalizeSampleCount(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// PassNotification announces that a pass was written and needs aggregation.
// Delivery is at-least-once.
type PassNotification struct {
	PassID     string    `json:"passId"`
	ReceivedAt time.Time `json:"receivedAt"`
}
