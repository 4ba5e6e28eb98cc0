package monitor

import "math"

// floatBits/floatFromBits let the latest CPU/memory samples be stored in
// atomic.Uint64s without a mutex on the hot read path (the proactor
// autoscaler reads them concurrently with the sampling loop's writes).

func floatBits(v float64) uint64 { return math.Float64bits(v) }

func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }
