// Package audio provides audio input sources and the amplitude helpers used
// to turn raw sample blocks into calibrated loudness readings.
package audio

import "math"

const (
	// MinDbfs is the floor every dBFS reading is clamped to.
	MinDbfs = -100.0
	// MaxDbfs is full scale.
	MaxDbfs = 0.0
	// InvalidDbfs is the level below which a frame is treated as sensor
	// dropout rather than a real measurement.
	InvalidDbfs = -90.0
	// MinDisplayDb and MaxDisplayDb bound the calibrated display scale.
	MinDisplayDb = 20.0
	MaxDisplayDb = 100.0

	// rmsFloor keeps log10 finite for digital silence.
	rmsFloor = 1e-12
)

// Levels holds the amplitude statistics of one sample block.
type Levels struct {
	RMS  float64
	Peak float64
	Dbfs float64
}

// MeasureBlock computes RMS, peak and clamped dBFS for samples normalised to
// [-1, 1]. An empty block reads as the dBFS floor.
func MeasureBlock(samples []float64) Levels {
	if len(samples) == 0 {
		return Levels{Dbfs: MinDbfs}
	}

	var sumSquares, peak float64
	for _, s := range samples {
		sumSquares += s * s
		if abs := math.Abs(s); abs > peak {
			peak = abs
		}
	}

	rms := math.Sqrt(sumSquares / float64(len(samples)))
	return Levels{
		RMS:  rms,
		Peak: peak,
		Dbfs: DbfsFromRMS(rms),
	}
}

// DbfsFromRMS converts a linear RMS amplitude to dBFS clamped to [-100, 0].
func DbfsFromRMS(rms float64) float64 {
	return Clamp(20*math.Log10(math.Max(rms, rmsFloor)), MinDbfs, MaxDbfs)
}

// Clamp limits v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IsValidDbfs reports whether a reading should count towards statistics.
func IsValidDbfs(dbfs float64) bool {
	return dbfs >= InvalidDbfs
}

// DisplayMapping maps dBFS readings onto a calibrated decibel scale using a
// reference RMS amplitude that is known to correspond to BaselineDb.
type DisplayMapping struct {
	BaselineRMS float64 `json:"baseline_rms"`
	BaselineDb  float64 `json:"baseline_db"`
}

// DefaultDisplayMapping places -60 dBFS at 40 dB, i.e. display = dBFS + 100.
func DefaultDisplayMapping() DisplayMapping {
	return DisplayMapping{BaselineRMS: 0.001, BaselineDb: 40}
}

// DisplayDb converts a dBFS reading to display decibels clamped to [20, 100].
func (m DisplayMapping) DisplayDb(dbfs float64) float64 {
	ref := m.BaselineRMS
	if ref <= 0 {
		ref = DefaultDisplayMapping().BaselineRMS
	}
	baselineDbfs := 20 * math.Log10(ref)
	return Clamp(m.BaselineDb+(dbfs-baselineDbfs), MinDisplayDb, MaxDisplayDb)
}
