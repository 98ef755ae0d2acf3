package funnel

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

var errMalformedRecord = errors.New("malformed metric record")

func encodeRecord(r MetricRecord) ([]byte, error) {
	return json.Marshal(r)
}

// decodeRecord parses one stored entry. Entries that are not JSON objects
// or lack an action or timestamp are malformed.
func decodeRecord(data string) (MetricRecord, error) {
	var r MetricRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return MetricRecord{}, err
	}
	if r.Action == "" || r.Timestamp <= 0 {
		return MetricRecord{}, errMalformedRecord
	}
	return r, nil
}

func (e *Engine) decodeEntries(entries []string, key string) []MetricRecord {
	out := make([]MetricRecord, 0, len(entries))
	skipped := 0
	for _, raw := range entries {
		r, err := decodeRecord(raw)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, r)
	}
	if skipped > 0 {
		e.metrics.Add(MetricRecordDecodeFailure, uint64(skipped))
		e.logger.Warn("skipped malformed metric records",
			zap.String("key", key),
			zap.Int("skipped", skipped))
	}
	return out
}
