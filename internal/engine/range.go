package engine

// IsOutOfRange reports whether the pool's active bin has drifted past the
// position's bin span by more than buffer bins on either side.
func IsOutOfRange(lowerBin, upperBin, activeBin, buffer int32) bool {
	return activeBin < lowerBin-buffer || activeBin > upperBin+buffer
}

// EdgeDistance returns how many bins the active bin sits past the nearer
// edge of the position's range, clamped to 0 while inside.
func EdgeDistance(lowerBin, upperBin, activeBin int32) int32 {
	switch {
	case activeBin < lowerBin:
		return lowerBin - activeBin
	case activeBin > upperBin:
		return activeBin - upperBin
	default:
		return 0
	}
}
