package pathvalidator

import "math"

// minSpeedPathLen is the shortest path that contains a step: two points of
// two coordinates each.
const minSpeedPathLen = 4

// ComputeMaxSpeed returns the largest step length of path, where step i
// goes from (path[i], path[i+1]) to (path[i+2], path[i+3]) for even i.
//
// Each length is floored and then narrowed to 8 bits with modulo-256
// wraparound, so a diagonal of 300 reports 44. Paths shorter than four
// bytes have no steps and report 0.
func ComputeMaxSpeed(path []byte) uint8 {
	if len(path) < minSpeedPathLen {
		return 0
	}

	var max uint8
	for i := 0; i < len(path)-3; i += 2 {
		speed := stepSpeed(path[i], path[i+1], path[i+2], path[i+3])
		if speed > max {
			max = speed
		}
	}
	return max
}

func stepSpeed(x0, y0, x1, y1 byte) uint8 {
	dx := int32(x0) - int32(x1)
	dy := int32(y0) - int32(y1)
	dist := math.Sqrt(float64(dx*dx + dy*dy))
	// At most sqrt(2*255²) ≈ 360, so the uint32 conversion is exact and the
	// uint8 conversion wraps.
	return uint8(uint32(dist))
}
