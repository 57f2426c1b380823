package realtime

import (
	"encoding/json"
	"time"
)

type pointJSON struct {
	T         int64   `json:"t"`
	Dbfs      float64 `json:"dbfs"`
	DisplayDb float64 `json:"displayDb"`
}

// MarshalJSON encodes the timestamp as Unix epoch milliseconds.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{T: p.T.UnixMilli(), Dbfs: p.Dbfs, DisplayDb: p.DisplayDb})
}

// UnmarshalJSON decodes a point with a millisecond timestamp.
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw pointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Point{T: time.UnixMilli(raw.T), Dbfs: raw.Dbfs, DisplayDb: raw.DisplayDb}
	return nil
}
