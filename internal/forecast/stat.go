package forecast

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

func variance(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	m := mean(x)
	var ss float64
	for _, v := range x {
		d := v - m
		ss += d * d
	}
	return ss / float64(len(x)-1)
}

// diff applies first-order differencing once.
func diff(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	out := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		out[i-1] = x[i] - x[i-1]
	}
	return out
}

// seasonalDiff differences at lag s.
func seasonalDiff(x []float64, s int) []float64 {
	if len(x) <= s {
		return nil
	}
	out := make([]float64, len(x)-s)
	for i := s; i < len(x); i++ {
		out[i-s] = x[i] - x[i-s]
	}
	return out
}

// autocorr returns the sample autocorrelation at the given lag.
func autocorr(x []float64, lag int) float64 {
	n := len(x)
	if lag <= 0 || lag >= n {
		return 0
	}
	m := mean(x)
	var num, den float64
	for i := 0; i < n; i++ {
		d := x[i] - m
		den += d * d
	}
	if den == 0 {
		return 0
	}
	for i := lag; i < n; i++ {
		num += (x[i] - m) * (x[i-lag] - m)
	}
	return num / den
}

// adfCritical5 is the 5% critical value of the Dickey-Fuller tau
// distribution for the constant-only regression at moderate sample sizes.
const adfCritical5 = -2.86

// adfStationary runs an augmented Dickey-Fuller test with one augmenting
// lag and a constant. It reports true when the unit-root null is rejected
// at 5%.
func adfStationary(x []float64) bool {
	n := len(x)
	if n < 8 {
		return false
	}

	dx := diff(x)
	// Regress dx[t] on [1, x[t-1], dx[t-1]].
	rows := len(dx) - 1
	if rows < 4 {
		return false
	}
	X := mat.NewDense(rows, 3, nil)
	y := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		X.Set(i, 0, 1)
		X.Set(i, 1, x[i+1])
		X.Set(i, 2, dx[i])
		y.SetVec(i, dx[i+1])
	}

	beta, residVar, xtxInv, ok := olsSolve(X, y)
	if !ok {
		return false
	}
	se := math.Sqrt(residVar * xtxInv.At(1, 1))
	if se == 0 {
		return false
	}
	tau := beta.AtVec(1) / se
	return tau < adfCritical5
}

// olsSolve computes the least-squares coefficients, the residual variance,
// and (XᵀX)⁻¹. ok is false when the normal equations are singular.
func olsSolve(X *mat.Dense, y *mat.VecDense) (beta *mat.VecDense, residVar float64, xtxInv *mat.Dense, ok bool) {
	rows, cols := X.Dims()
	var xtx mat.Dense
	xtx.Mul(X.T(), X)

	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return nil, 0, nil, false
	}

	var xty mat.VecDense
	xty.MulVec(X.T(), y)

	beta = mat.NewVecDense(cols, nil)
	beta.MulVec(&inv, &xty)

	var fitted mat.VecDense
	fitted.MulVec(X, beta)

	var ss float64
	for i := 0; i < rows; i++ {
		r := y.AtVec(i) - fitted.AtVec(i)
		ss += r * r
	}
	dof := rows - cols
	if dof < 1 {
		dof = 1
	}
	return beta, ss / float64(dof), &inv, true
}

// ljungBoxPass tests residual independence at 5%: true means white noise
// is not rejected.
func ljungBoxPass(resid []float64, lags, fittedParams int) bool {
	n := len(resid)
	if n <= lags+1 {
		return true
	}
	var q float64
	for k := 1; k <= lags; k++ {
		r := autocorr(resid, k)
		q += r * r / float64(n-k)
	}
	q *= float64(n) * float64(n+2)

	dof := lags - fittedParams
	if dof < 1 {
		dof = 1
	}
	chi := distuv.ChiSquared{K: float64(dof)}
	return q <= chi.Quantile(0.95)
}

// normalQuantile returns the standard normal quantile for the two-sided
// confidence level, e.g. 0.95 -> 1.96.
func normalQuantile(confidence float64) float64 {
	return distuv.UnitNormal.Quantile((1 + confidence) / 2)
}

// estimateSeason finds a significant autocorrelation peak in [2, n/2].
// Returns 0 when the series shows no usable seasonality.
func estimateSeason(x []float64) int {
	n := len(x)
	maxLag := n / 2
	if maxLag < 2 {
		return 0
	}
	threshold := 2.0 / math.Sqrt(float64(n))

	bestLag, bestVal := 0, threshold
	for lag := 2; lag <= maxLag; lag++ {
		r := autocorr(x, lag)
		if r > bestVal {
			bestVal = r
			bestLag = lag
		}
	}
	return bestLag
}

// mape is the mean absolute percentage error over paired slices; zero
// actuals are skipped.
func mape(actual, predicted []float64) float64 {
	n := len(actual)
	if len(predicted) < n {
		n = len(predicted)
	}
	var sum float64
	count := 0
	for i := 0; i < n; i++ {
		if actual[i] == 0 {
			continue
		}
		sum += math.Abs((actual[i] - predicted[i]) / actual[i])
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count) * 100
}
