package model

import "time"

// RecentSample is one pass contribution kept in a cell window.
type RecentSample struct {
	PassID      string  `json:"passId"`
	Roughness   float64 `json:"roughness"`
	SampleCount int     `json:"sampleCount"`
	TimestampMs int64   `json:"timestampMs"`
}

// SegmentAggregate is the rolling summary of one (city, cell).
type SegmentAggregate struct {
	CityID           string         `json:"cityId"`
	CellID           string         `json:"cellId"`
	RecentSamples    []RecentSample `json:"recentSamples"`
	RoughnessPercent float64        `json:"roughnessPercent"`
	SampleCount      int            `json:"sampleCount"`
	Passes           int            `json:"passes"`
	PassesAllTime    int64          `json:"passesAllTime"`
	SamplesAllTime   int64          `json:"samplesAllTime"`
	Published        bool           `json:"published"`
	Geometry         Geometry       `json:"geometry"`
	RoadTypeHint     string         `json:"roadTypeHint,omitempty"`
	LastAssessedAt   time.Time      `json:"lastAssessedAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// CityRoot holds last-aggregation bookkeeping for liveness checks.
type CityRoot struct {
	CityID        string    `json:"cityId"`
	LastAggAt     time.Time `json:"lastAggAt"`
	LastAggDocID  string    `json:"lastAggDocId"`
	LastAggCellID string    `json:"lastAggCellId"`
}

// SkipReason explains why an aggregation attempt did not merge.
type SkipReason string

// Skip reasons. Validation skips come first, then idempotency skips.
const (
	ReasonMissingData      SkipReason = "missing_data"
	ReasonMissingFields    SkipReason = "missing_fields"
	ReasonMissingRawDoc    SkipReason = "missing_raw_doc"
	ReasonAlreadyProcessed SkipReason = "already_processed"
	ReasonAlreadyInWindow  SkipReason = "already_in_window"
)

// Result is the outcome of one aggregation attempt.
type Result struct {
	PassID           string     `json:"passId"`
	Skipped          bool       `json:"skipped"`
	Reason           SkipReason `json:"reason,omitempty"`
	Fields           []string   `json:"fields,omitempty"`
	CityID           string     `json:"cityId,omitempty"`
	CellID           string     `json:"cellId,omitempty"`
	RoughnessPercent float64    `json:"roughnessPercent"`
	SampleCount      int        `json:"sampleCount"`
	Passes           int        `json:"passes"`
	Published        bool       `json:"published"`
}

// Skip builds a skipped result.
func Skip(passID string, reason SkipReason, fields ...string) Result {
	return Result{PassID: passID, Skipped: true, Reason: reason, Fields: fields}
}

// Outcome is the metrics label for r.
func (r Result) Outcome() string {
	if r.Skipped {
		return string(r.Reason)
	}
	return "merged"
}
