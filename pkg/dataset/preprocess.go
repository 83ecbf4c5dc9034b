package dataset

import "math"

// Mean is the scalar mean over every value of every example.
func Mean(ds Dataset) float64 {
	var sum float64
	var count int
	for _, x := range ds.Examples {
		for _, v := range x {
			sum += float64(v)
		}
		count += len(x)
	}
	if count == 0 {
		return 0
	}

	return sum / float64(count)
}

// SubtractMean returns a copy of ds with mean subtracted from every value.
func SubtractMean(ds Dataset, mean float64) Dataset {
	return mapExamples(ds, func(x []float32) []float32 {
		out := make([]float32, len(x))
		for i, v := range x {
			out[i] = float32(float64(v) - mean)
		}

		return out
	})
}

// NormalizeContrast returns a copy of ds where each example has zero mean and unit variance.
func NormalizeContrast(ds Dataset) Dataset {
	return mapExamples(ds, func(x []float32) []float32 {
		var sum, sq float64
		for _, v := range x {
			sum += float64(v)
		}
		mean := sum / float64(len(x))
		for _, v := range x {
			d := float64(v) - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(len(x)))
		if std == 0 {
			std = 1
		}

		out := make([]float32, len(x))
		for i, v := range x {
			out[i] = float32((float64(v) - mean) / std)
		}

		return out
	})
}

func mapExamples(ds Dataset, fn func([]float32) []float32) Dataset {
	out := Dataset{
		Examples: make([][]float32, len(ds.Examples)),
		Labels:   append([]int(nil), ds.Labels...),
		Shape:    append([]int(nil), ds.Shape...),
		Classes:  ds.Classes,
	}
	for i, x := range ds.Examples {
		out.Examples[i] = fn(x)
	}

	return out
}
