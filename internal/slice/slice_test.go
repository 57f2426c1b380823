package slice

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func sample() Summary {
	start := time.UnixMilli(1767340800000).UTC()
	return Summary{
		Start:  start,
		End:    start.Add(30 * time.Second),
		Frames: 300,
		Raw: RawStats{
			AvgDbfs:           -41.23456,
			MaxDbfs:           -12.00049,
			P50Dbfs:           -44.44444,
			P95Dbfs:           -30.12345,
			OverRatioDbfs:     0.123456,
			SegmentCount:      2,
			SampledDurationMs: 30000,
		},
		Display: DisplayStats{AvgDb: 58.7654, P95Db: 70.005},
		Score:   87.6543,
		ScoreDetail: Breakdown{
			SustainedPenalty:   0,
			TimePenalty:        0.411523,
			SegmentPenalty:     0.666666,
			ThresholdsUsed:     Thresholds{ScoreThresholdDbfs: -50, SegmentMergeGapMs: 500, MaxSegmentsPerMin: 6},
			SustainedLevelDbfs: -44.44444,
			OverRatioDbfs:      0.123456,
			SegmentCount:       2,
			Minutes:            0.5,
			DurationMs:         30000,
			SampledDurationMs:  ptr(30000),
			CoverageRatio:      ptr(0.99999),
		},
	}
}

func TestRound(t *testing.T) {
	assert.Equal(t, 1.235, Round(1.23456, 3))
	assert.Equal(t, -41.235, Round(-41.23456, 3))
	assert.Equal(t, 87.7, Round(87.6543, 1))
	assert.False(t, math.Signbit(Round(-0.00001, 2)))
}

func TestNormalize(t *testing.T) {
	in := sample()
	in.Start = in.Start.Add(750 * time.Microsecond)
	n := Normalize(in)

	assert.Equal(t, -41.235, n.Raw.AvgDbfs)
	assert.Equal(t, -12.0, n.Raw.MaxDbfs)
	assert.Equal(t, -44.444, n.Raw.P50Dbfs)
	assert.Equal(t, 0.1235, n.Raw.OverRatioDbfs)
	assert.Equal(t, 58.77, n.Display.AvgDb)
	assert.Equal(t, 87.7, n.Score)
	assert.Equal(t, 0.4115, n.ScoreDetail.TimePenalty)
	assert.Equal(t, 0.6667, n.ScoreDetail.SegmentPenalty)
	require.NotNil(t, n.ScoreDetail.CoverageRatio)
	assert.Equal(t, 1.0, *n.ScoreDetail.CoverageRatio)
	assert.Equal(t, int64(0), n.Start.UnixNano()%int64(time.Millisecond))

	// the input is not modified
	assert.Equal(t, 0.99999, *in.ScoreDetail.CoverageRatio)

	// normalizing twice is stable
	assert.Empty(t, cmp.Diff(n, Normalize(n)))
}

func TestSummaryJSON(t *testing.T) {
	s := Normalize(sample())
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, float64(1767340800000), fields["start"])
	assert.Equal(t, float64(1767340830000), fields["end"])
	assert.Contains(t, fields, "scoreDetail")

	var back Summary
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Empty(t, cmp.Diff(s, back))
}

func TestBreakdownOmitsOptionalFields(t *testing.T) {
	d := sample().ScoreDetail
	d.SampledDurationMs = nil
	d.CoverageRatio = nil
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "coverageRatio")
	assert.NotContains(t, string(data), "sampledDurationMs")
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(sample()))

	bad := sample()
	bad.End = bad.Start
	assert.Error(t, Validate(bad))

	bad = sample()
	bad.Score = 101
	assert.Error(t, Validate(bad))

	bad = sample()
	bad.Raw.OverRatioDbfs = 1.5
	assert.Error(t, Validate(bad))

	bad = sample()
	bad.ScoreDetail.CoverageRatio = ptr(-0.1)
	assert.Error(t, Validate(bad))
}

func TestDecodeListDropsInvalidRecords(t *testing.T) {
	good := Normalize(sample())
	goodJSON, err := json.Marshal(good)
	require.NoError(t, err)

	payload := `[` + string(goodJSON) + `,{"start":"yesterday"},{"start":5,"end":1,"frames":1},` + string(goodJSON) + `]`
	list, dropped, err := DecodeList([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	require.Len(t, list, 2)
	assert.Empty(t, cmp.Diff(good, list[0]))
}

func TestDecodeListEdgeCases(t *testing.T) {
	list, dropped, err := DecodeList(nil)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, dropped)

	_, _, err = DecodeList([]byte(`{"not":"an array"}`))
	assert.ErrorIs(t, err, ErrNotArray)

	data, err := EncodeList(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}
