package testpasses

import "time"

// Config holds configuration for the pass load test.
type Config struct {
	BaseURL       string        // Base URL of the service
	Mode          string        // "passes" posts scored passes, "traces" posts raw samples
	NumPasses     int           // Number of passes to generate
	Cities        int           // Number of cities the passes are spread over
	CellsPerCity  int           // Number of cells per city
	DuplicateRate float64       // Fraction of passes resubmitted with the same id
	Workers       int           // Number of concurrent submitters
	Window        int           // Server window size used to compute the expected means
	Trim          time.Duration // Sample gate lookback; must match the server
	Seed          uint64        // Seed for reproducible drives
	Timeout       time.Duration // HTTP request timeout
	Settle        time.Duration // How long to poll for aggregates to converge
	OutputFile    string        // Output file for generated passes
	LogFile       string        // Log file for test output
	Verbose       bool          // Enable verbose logging
}

// Sample is one raw acceleration reading on the wire.
type Sample struct {
	T        float64 `json:"t"`
	Az       float64 `json:"az"`
	Handling bool    `json:"handling,omitempty"`
}

// Pass is a generated drive through one cell. Roughness and SampleCount are
// computed locally with the same gate and scorer the service uses.
type Pass struct {
	ID               string    `json:"id"`
	CityID           string    `json:"cityId"`
	CellID           string    `json:"cellId"`
	RoughnessPercent float64   `json:"roughnessPercent"`
	SampleCount      int       `json:"sampleCount"`
	CreatedAt        time.Time `json:"createdAt"`
	CentroidLat      float64   `json:"centroidLat"`
	CentroidLng      float64   `json:"centroidLng"`
	Samples          []Sample  `json:"samples,omitempty"`
	Dropped          int       `json:"-"`
}

// traceBody is the POST /traces payload.
type traceBody struct {
	ID        string    `json:"id"`
	CityID    string    `json:"cityId"`
	CellID    string    `json:"cellId"`
	CreatedAt time.Time `json:"createdAt"`
	Geometry  struct {
		Centroid struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"centroid"`
	} `json:"geometry"`
	Samples []Sample `json:"samples"`
}

// Aggregate is the subset of a cell aggregate the verifier reads. A nil
// RoughnessPercent means the service left the mean out.
type Aggregate struct {
	CityID           string   `json:"cityId"`
	CellID           string   `json:"cellId"`
	RoughnessPercent *float64 `json:"roughnessPercent"`
	SampleCount      int      `json:"sampleCount"`
	Passes           int      `json:"passes"`
	PassesAllTime    int64    `json:"passesAllTime"`
}

// Stats holds test statistics.
type Stats struct {
	PassesGenerated  int
	PassesSubmitted  int
	PassesAccepted   int
	PassesDuplicate  int
	PassesFailed     int
	SamplesDropped   int
	CellsExpected    int
	CellsMatched     int
	CellsMismatched  int
	VerificationTime time.Duration
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
}
