package goslide

// Level describes one pyramid level.
type Level struct {
	Width      int64
	Height     int64
	Downsample float64
}

// SelectLevel returns the index of the pyramid level to read for the requested
// downsample: the last level whose downsample does not exceed requested.
// Requests below the first level's downsample select level 0, requests past the
// last level select the last level. downsamples must be sorted ascending and
// non-empty.
func SelectLevel(downsamples []float64, requested float64) int {
	// too small, return first (NaN lands here too)
	if !(requested >= downsamples[0]) {
		return 0
	}

	for i := 1; i < len(downsamples); i++ {
		if requested < downsamples[i] {
			return i - 1
		}
	}

	// too big, return last
	return len(downsamples) - 1
}

func levelDownsamples(levels []Level) []float64 {
	ds := make([]float64, len(levels))
	for i, l := range levels {
		ds[i] = l.Downsample
	}
	return ds
}
