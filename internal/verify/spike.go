package verify

import "fmt"

// SpikeDetector flags flow-rate readings that jump far above a device's
// rolling average. Spikes are advisory only; they become warnings, never
// verification errors.
type SpikeDetector struct {
	spikeThreshold float64
	minSamples     int
	maxSamples     int
	history        map[string][]float64
}

// NewSpikeDetector creates a detector. A reading counts as a spike when it
// exceeds spikeThreshold times the rolling average of the device's recent
// readings, once at least minSamples readings have been observed.
func NewSpikeDetector(spikeThreshold float64, minSamples int) *SpikeDetector {
	return &SpikeDetector{
		spikeThreshold: spikeThreshold,
		minSamples:     minSamples,
		maxSamples:     10,
		history:        make(map[string][]float64),
	}
}

// Observe records a flow-rate reading and reports whether it is a spike.
// Not safe for concurrent use; the verification pipeline serializes calls.
func (d *SpikeDetector) Observe(deviceID string, rate float64) (bool, string) {
	past := d.history[deviceID]
	defer func() {
		past = append(past, rate)
		if len(past) > d.maxSamples {
			past = past[len(past)-d.maxSamples:]
		}
		d.history[deviceID] = past
	}()

	if rate < 0 || len(past) < d.minSamples {
		return false, ""
	}

	sum := 0.0
	for _, v := range past {
		sum += v
	}
	average := sum / float64(len(past))

	if average > 0 && rate > d.spikeThreshold*average {
		return true, fmt.Sprintf("flow rate spike: %.2f exceeds %.1fx rolling average %.2f",
			rate, d.spikeThreshold, average)
	}
	return false, ""
}
