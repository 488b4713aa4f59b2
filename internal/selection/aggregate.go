package selection

import "math"

// TotalDelay sums per-hop delays.
func TotalDelay(delays []float64) float64 {
	sum := 0.0
	for _, d := range delays {
		sum += d
	}
	return sum
}

// TotalJitter sums per-hop jitters.
func TotalJitter(jitters []float64) float64 {
	sum := 0.0
	for _, j := range jitters {
		sum += j
	}
	return sum
}

// CompositeLoss combines per-hop loss rates as 1 - prod(1 - l).
func CompositeLoss(lossRates []float64) float64 {
	survival := 1.0
	for _, l := range lossRates {
		survival *= 1 - l
	}
	return 1 - survival
}

// BottleneckBandwidth is the minimum free bandwidth along the path.
func BottleneckBandwidth(bandwidths []float64) float64 {
	if len(bandwidths) == 0 {
		return 0
	}
	min := math.Inf(1)
	for _, b := range bandwidths {
		min = math.Min(min, b)
	}
	return min
}
