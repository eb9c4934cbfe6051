package roughness

import (
	"fmt"

	"github.com/okian/roughmap/internal/domain/gate"
	"github.com/okian/roughmap/pkg/metrics"
)

// TraceSample is one raw vertical-acceleration reading with the device's
// handling flag at that instant.
type TraceSample struct {
	TimestampMs float64 `json:"t"`
	Accel       float64 `json:"az"`
	Handling    bool    `json:"handling,omitempty"`
}

// TraceResult is the score of a gated trace plus how many samples the gate dropped.
type TraceResult struct {
	Result
	Dropped int
}

// ScoreTrace feeds trace through g in order, flushes what the gate still
// holds at the end and scores every released sample. A malformed timestamp
// stops the trace.
func (s *Scorer) ScoreTrace(g *gate.Gate, trace []TraceSample) (TraceResult, error) {
	var out TraceResult
	values := make([]float64, 0, len(trace))
	for i, ts := range trace {
		res, err := g.Push(gate.Sample{TimestampMs: ts.TimestampMs, Value: ts.Accel}, ts.Handling)
		if err != nil {
			return TraceResult{}, fmt.Errorf("sample %d: %w", i, err)
		}
		out.Dropped += res.Dropped
		metrics.RecordGateDropped(res.Dropped)
		if res.Emitted != nil {
			values = append(values, res.Emitted.Value.(float64))
			metrics.RecordGateEmitted()
		}
	}
	for _, held := range g.Flush() {
		values = append(values, held.Value.(float64))
		metrics.RecordGateEmitted()
	}

	r, err := s.Score(values)
	if err != nil {
		return TraceResult{Dropped: out.Dropped}, err
	}
	out.Result = r
	return out, nil
}
