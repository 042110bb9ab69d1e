package scale

// MM2Scale converts a thread-ring position (mm) to a dimensionless scale
// factor, given the site zero-point and the mm-per-scale-unit constant
// alpha (spec.md §3, §4.3).
func MM2Scale(posMM, zeroMM, alpha float64) float64 {
	return 1 - (posMM-zeroMM)*alpha
}

// Scale2MM inverts MM2Scale.
func Scale2MM(scale, zeroMM, alpha float64) float64 {
	return -(scale-1)/alpha + zeroMM
}

// ScaleMult2MM returns the ring position that multiplies the scale factor
// currently implied by posMM by mult.
func ScaleMult2MM(mult, posMM, zeroMM, alpha float64) float64 {
	return Scale2MM(MM2Scale(posMM, zeroMM, alpha)*mult, zeroMM, alpha)
}

// ScaleMult2MMStable is the numerically stable equivalent of ScaleMult2MM,
// avoiding the catastrophic cancellation in computing (scale - 1) for
// scale close to 1 (spec.md §4.3, §8: the two must agree to 1e-9 mm over
// the working range).
func ScaleMult2MMStable(mult, posMM, zeroMM, alpha float64) float64 {
	return mult*(posMM-zeroMM) + (1-mult)/alpha + zeroMM
}
