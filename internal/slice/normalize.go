package slice

import "math"

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	r := math.Round(v*p) / p
	if r == 0 {
		// avoid persisting -0
		return 0
	}
	return r
}

const (
	dbfsPlaces    = 3
	ratioPlaces   = 4
	displayPlaces = 2
	scorePlaces   = 1
)

// Normalize returns a copy of s rounded for storage: dBFS values to three
// decimals, ratios and penalties to four, display dB to two and the score
// to one. Timestamps are truncated to whole milliseconds.
func Normalize(s Summary) Summary {
	out := s
	out.Start = msTime(s.Start.UnixMilli())
	out.End = msTime(s.End.UnixMilli())

	out.Raw.AvgDbfs = Round(s.Raw.AvgDbfs, dbfsPlaces)
	out.Raw.MaxDbfs = Round(s.Raw.MaxDbfs, dbfsPlaces)
	out.Raw.P50Dbfs = Round(s.Raw.P50Dbfs, dbfsPlaces)
	out.Raw.P95Dbfs = Round(s.Raw.P95Dbfs, dbfsPlaces)
	out.Raw.OverRatioDbfs = Round(s.Raw.OverRatioDbfs, ratioPlaces)

	out.Display.AvgDb = Round(s.Display.AvgDb, displayPlaces)
	out.Display.P95Db = Round(s.Display.P95Db, displayPlaces)

	out.Score = Round(s.Score, scorePlaces)

	d := s.ScoreDetail
	d.SustainedPenalty = Round(d.SustainedPenalty, ratioPlaces)
	d.TimePenalty = Round(d.TimePenalty, ratioPlaces)
	d.SegmentPenalty = Round(d.SegmentPenalty, ratioPlaces)
	d.SustainedLevelDbfs = Round(d.SustainedLevelDbfs, dbfsPlaces)
	d.OverRatioDbfs = Round(d.OverRatioDbfs, ratioPlaces)
	if d.CoverageRatio != nil {
		v := Round(*d.CoverageRatio, ratioPlaces)
		d.CoverageRatio = &v
	}
	if d.SampledDurationMs != nil {
		v := *d.SampledDurationMs
		d.SampledDurationMs = &v
	}
	out.ScoreDetail = d
	return out
}
