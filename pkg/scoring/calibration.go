package scoring

import (
	"sort"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// Calibration sample sizes below these bounds carry low and medium
// confidence respectively.
const (
	calibrationMediumSamples = 5
	calibrationHighSamples   = 15
)

// Multiplier clamp bounds.
const (
	calibrationMinMultiplier = 0.5
	calibrationMaxMultiplier = 3.0
)

// ComputeCalibration derives a sessions multiplier from completed tasks'
// estimate/actual pairs. The multiplier is the median of actual/estimated
// ratios, which resists outliers, clamped to [0.5, 3.0]. projectID nil
// means a global factor.
func ComputeCalibration(projectID *string, complexity models.Complexity, pairs []models.EstimatePair) models.CalibrationFactor {
	ratios := make([]float64, 0, len(pairs))
	for _, p := range pairs {
		if p.Estimated <= 0 || p.Actual <= 0 {
			continue
		}
		ratios = append(ratios, float64(p.Actual)/float64(p.Estimated))
	}

	factor := models.CalibrationFactor{
		ProjectID:          projectID,
		Complexity:         complexity,
		SessionsMultiplier: 1.0,
		SampleSize:         len(ratios),
		Confidence:         confidenceFor(len(ratios)),
	}
	if len(ratios) == 0 {
		return factor
	}

	sort.Float64s(ratios)
	median := ratios[len(ratios)/2]
	if len(ratios)%2 == 0 {
		median = (ratios[len(ratios)/2-1] + ratios[len(ratios)/2]) / 2
	}
	factor.SessionsMultiplier = clamp(median, calibrationMinMultiplier, calibrationMaxMultiplier)
	return factor
}

// CalibratedEstimate applies a calibration factor to a raw session
// estimate, rounding up so fractional sessions never under-allocate.
func CalibratedEstimate(estimate int, factor models.CalibrationFactor) int {
	if estimate <= 0 {
		return estimate
	}
	scaled := float64(estimate) * factor.SessionsMultiplier
	out := int(scaled)
	if scaled > float64(out) {
		out++
	}
	return out
}

func confidenceFor(samples int) models.Confidence {
	switch {
	case samples >= calibrationHighSamples:
		return models.ConfidenceHigh
	case samples >= calibrationMediumSamples:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}
