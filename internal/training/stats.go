package training

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/aristath/fairval/internal/domain"
)

// PairedTTest runs a two-sided paired t-test on matched error samples and
// returns the t statistic and p-value. Lower errors in a than b give a
// negative t.
func PairedTTest(a, b []float64) (tStat, pValue float64, err error) {
	if len(a) != len(b) {
		return 0, 1, domain.NewValidationError("samples", "paired samples must have equal length")
	}
	n := len(a)
	if n < 2 {
		return 0, 1, domain.ErrInsufficientData
	}

	diffs := make([]float64, n)
	for i := range a {
		diffs[i] = a[i] - b[i]
	}

	mean := stat.Mean(diffs, nil)
	sd := stat.StdDev(diffs, nil)
	if sd == 0 {
		// Identical errors on every pair: no evidence of a difference.
		return 0, 1, nil
	}

	tStat = mean / (sd / math.Sqrt(float64(n)))

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}
	pValue = 2 * (1 - dist.CDF(math.Abs(tStat)))

	return tStat, pValue, nil
}

// MAPE returns the mean absolute percentage error of predictions against
// actuals, in percent.
func MAPE(predictions, actuals []float64) float64 {
	if len(predictions) == 0 || len(predictions) != len(actuals) {
		return 0
	}
	total := 0.0
	count := 0
	for i := range predictions {
		if actuals[i] == 0 {
			continue
		}
		total += math.Abs(predictions[i]-actuals[i]) / math.Abs(actuals[i]) * 100
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
