package metrics

import "github.com/banshee-data/fcd.report/internal/fcd"

// RTSM computes the Relative Traffic Status Metric for one (temporal,
// spatial) mean-speed pair against a connection's current thresholds, per
// §4.3.2. Both the spatio-temporal processor (scoring a fresh traversal)
// and the threshold processor's recompute-all-RTSM pass call this.
func RTSM(temporalMeanSpeed, spatialMeanSpeed float64, th fcd.Thresholds) float64 {
	if temporalMeanSpeed == fcd.UnknownMetric || spatialMeanSpeed == fcd.UnknownMetric {
		return 1
	}

	t, s := th.TemporalThresholdMS, th.SpatialThresholdMS
	var distance float64
	switch {
	case temporalMeanSpeed >= t && spatialMeanSpeed >= s:
		distance = 0
	case temporalMeanSpeed < t && spatialMeanSpeed >= s:
		distance = t - temporalMeanSpeed
	case temporalMeanSpeed < t && spatialMeanSpeed < s:
		distance = (t - temporalMeanSpeed) + (s - spatialMeanSpeed)
	default: // temporalMeanSpeed >= t && spatialMeanSpeed < s
		distance = s - spatialMeanSpeed
	}

	denom := t + s
	if denom <= 0 {
		return fcd.UnknownMetric
	}
	return distance / denom
}
