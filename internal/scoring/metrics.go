package scoring

// ClipMetrics summarizes the samples taken while one clip was recorded.
type ClipMetrics struct {
	PeakMotion       float64 `json:"peak_motion"`
	AvgMotion        float64 `json:"avg_motion"`
	MotionEventCount int     `json:"motion_event_count"`
	PeakAudio        float64 `json:"peak_audio"`
	AvgAudio         float64 `json:"avg_audio"`
}

// Accumulator folds motion/audio samples into ClipMetrics. The zero value is
// ready to use with an event threshold of 0; use NewAccumulator otherwise.
type Accumulator struct {
	eventThreshold float64

	samples     int
	motionSum   float64
	audioSum    float64
	peakMotion  float64
	peakAudio   float64
	motionEvent int
}

// NewAccumulator returns an Accumulator counting motion events at or above
// eventThreshold.
func NewAccumulator(eventThreshold float64) *Accumulator {
	return &Accumulator{eventThreshold: eventThreshold}
}

// Add records one sample.
func (a *Accumulator) Add(motion, audio float64) {
	a.samples++
	a.motionSum += motion
	a.audioSum += audio
	if motion > a.peakMotion {
		a.peakMotion = motion
	}
	if audio > a.peakAudio {
		a.peakAudio = audio
	}
	if motion >= a.eventThreshold {
		a.motionEvent++
	}
}

// Samples returns how many samples have been added.
func (a *Accumulator) Samples() int {
	return a.samples
}

// Metrics returns the metrics for all samples added so far.
func (a *Accumulator) Metrics() ClipMetrics {
	m := ClipMetrics{
		PeakMotion:       a.peakMotion,
		PeakAudio:        a.peakAudio,
		MotionEventCount: a.motionEvent,
	}
	if a.samples > 0 {
		m.AvgMotion = a.motionSum / float64(a.samples)
		m.AvgAudio = a.audioSum / float64(a.samples)
	}
	return m
}
