package slice

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator for persisted records.
var validate = validator.New(validator.WithRequiredStructEnabled())

// record is the persisted form of a Summary.
type record struct {
	Start       int64        `json:"start" validate:"gt=0"`
	End         int64        `json:"end" validate:"gtfield=Start"`
	Frames      int          `json:"frames" validate:"gte=1"`
	Raw         RawStats     `json:"raw"`
	Display     DisplayStats `json:"display"`
	Score       float64      `json:"score" validate:"gte=0,lte=100"`
	ScoreDetail Breakdown    `json:"scoreDetail"`
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toRecord(s Summary) record {
	return record{
		Start:       s.Start.UnixMilli(),
		End:         s.End.UnixMilli(),
		Frames:      s.Frames,
		Raw:         s.Raw,
		Display:     s.Display,
		Score:       s.Score,
		ScoreDetail: s.ScoreDetail,
	}
}

func (r record) summary() Summary {
	return Summary{
		Start:       msTime(r.Start),
		End:         msTime(r.End),
		Frames:      r.Frames,
		Raw:         r.Raw,
		Display:     r.Display,
		Score:       r.Score,
		ScoreDetail: r.ScoreDetail,
	}
}

// MarshalJSON encodes the summary with epoch-millisecond timestamps.
func (s Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(toRecord(s))
}

// UnmarshalJSON decodes a summary without validating it.
func (s *Summary) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*s = r.summary()
	return nil
}

// Validate checks s against the persisted record schema.
func Validate(s Summary) error {
	if err := validate.Struct(toRecord(s)); err != nil {
		return fmt.Errorf("invalid slice summary: %w", err)
	}
	return nil
}

// ErrNotArray is returned by DecodeList when the payload is not a JSON array.
var ErrNotArray = errors.New("slice history is not a JSON array")

// DecodeList decodes a persisted history record by record. Records that
// fail to decode or fail schema validation are skipped and counted in
// dropped. An empty payload decodes to an empty list.
func DecodeList(data []byte) (out []Summary, dropped int, err error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrNotArray, err)
	}
	out = make([]Summary, 0, len(raw))
	for _, msg := range raw {
		var r record
		if err := json.Unmarshal(msg, &r); err != nil {
			dropped++
			continue
		}
		if err := validate.Struct(r); err != nil {
			dropped++
			continue
		}
		out = append(out, r.summary())
	}
	return out, dropped, nil
}

// EncodeList encodes a history as a JSON array. A nil list encodes as [].
func EncodeList(list []Summary) ([]byte, error) {
	if list == nil {
		list = []Summary{}
	}
	return json.Marshal(list)
}
