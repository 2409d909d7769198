// Package forecast implements a seasonal ARIMA forecaster with adaptive
// order selection. Fitting linearizes the SARIMA recurrence and solves it
// by least squares (two-stage Hannan-Rissanen); confidence bands come from
// the residual variance propagated through the psi weights.
package forecast

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

// Order is a SARIMA (p,d,q)(P,D,Q)_s specification.
type Order struct {
	P, D, Q    int
	SP, SD, SQ int
	Season     int
}

func (o Order) params() int { return o.P + o.Q + o.SP + o.SQ }

// maxLag is the deepest lag the recurrence reaches back to.
func (o Order) maxLag() int {
	lag := max(o.P, o.Q)
	if o.SP > 0 {
		lag = max(lag, o.Season*o.SP)
	}
	if o.SQ > 0 {
		lag = max(lag, o.Season*o.SQ)
	}
	return lag
}

// Model is a fitted SARIMA model over one series.
type Model struct {
	Order    Order
	AR       []float64 // regular AR coefficients, lag 1..p
	MA       []float64 // regular MA coefficients, lag 1..q
	SAR      []float64 // seasonal AR coefficients, lag s..s*SP
	SMA      []float64 // seasonal MA coefficients
	Constant float64
	ResidVar float64
	AIC      float64

	resid  []float64 // stationary-scale residuals, aligned to the series tail
	levels []float64 // training series in levels
}

// ErrNoForecast is returned when no usable model can be produced; callers
// must fall back to current observations.
var ErrNoForecast = model.NewError(model.ErrCodeForecastUnavailable, "no forecast available")

// Fit estimates a SARIMA model of the given order over the series.
func Fit(series []float64, order Order) (*Model, error) {
	w := make([]float64, len(series))
	copy(w, series)
	for i := 0; i < order.D; i++ {
		w = diff(w)
	}
	if order.SD > 0 && order.Season > 1 {
		for i := 0; i < order.SD; i++ {
			w = seasonalDiff(w, order.Season)
		}
	}

	s := order.Season
	maxLag := order.maxLag()

	if len(w) < maxLag+order.params()+4 {
		return nil, ErrNoForecast
	}

	// Stage 1: long-AR residual estimates.
	eHat := longARResiduals(w)
	if eHat == nil {
		return nil, ErrNoForecast
	}

	// Stage 2: regress w_t on its own lags and the estimated residual lags.
	start := maxLag
	rows := len(w) - start
	cols := 1 + order.P + order.SP + order.Q + order.SQ
	if rows <= cols {
		return nil, ErrNoForecast
	}

	X := mat.NewDense(rows, cols, nil)
	y := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		t := start + i
		col := 0
		X.Set(i, col, 1)
		col++
		for j := 1; j <= order.P; j++ {
			X.Set(i, col, w[t-j])
			col++
		}
		for j := 1; j <= order.SP; j++ {
			X.Set(i, col, w[t-j*s])
			col++
		}
		for j := 1; j <= order.Q; j++ {
			X.Set(i, col, eHat[t-j])
			col++
		}
		for j := 1; j <= order.SQ; j++ {
			X.Set(i, col, eHat[t-j*s])
			col++
		}
		y.SetVec(i, w[t])
	}

	beta, _, _, ok := olsSolve(X, y)
	if !ok {
		return nil, ErrNoForecast
	}

	m := &Model{Order: order}
	col := 0
	m.Constant = beta.AtVec(col)
	col++
	m.AR = extract(beta, &col, order.P)
	m.SAR = extract(beta, &col, order.SP)
	m.MA = extract(beta, &col, order.Q)
	m.SMA = extract(beta, &col, order.SQ)

	for _, c := range [][]float64{m.AR, m.SAR, m.MA, m.SMA} {
		for _, v := range c {
			if math.IsNaN(v) || math.Abs(v) > 10 {
				return nil, ErrNoForecast
			}
		}
	}

	// Residuals on the stationary scale.
	m.resid = make([]float64, len(w))
	for t := start; t < len(w); t++ {
		m.resid[t] = w[t] - m.predictOne(w, m.resid, t)
	}
	tail := m.resid[start:]
	m.ResidVar = variance(tail)
	if m.ResidVar <= 0 || math.IsNaN(m.ResidVar) {
		m.ResidVar = 1e-12
	}

	n := float64(len(tail))
	k := float64(order.params() + 1)
	m.AIC = n*math.Log(m.ResidVar) + 2*k

	m.levels = make([]float64, len(series))
	copy(m.levels, series)
	return m, nil
}

func extract(beta *mat.VecDense, col *int, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = beta.AtVec(*col)
		(*col)++
	}
	return out
}

// predictOne evaluates the fitted recurrence for index t of the
// stationary series.
func (m *Model) predictOne(w, resid []float64, t int) float64 {
	s := m.Order.Season
	v := m.Constant
	for j, c := range m.AR {
		v += c * w[t-j-1]
	}
	for j, c := range m.SAR {
		v += c * w[t-(j+1)*s]
	}
	for j, c := range m.MA {
		v += c * resid[t-j-1]
	}
	for j, c := range m.SMA {
		v += c * resid[t-(j+1)*s]
	}
	return v
}

// LjungBoxOK tests residual independence at 5%.
func (m *Model) LjungBoxOK() bool {
	start := len(m.resid) - residualTail(m)
	lags := min(10, residualTail(m)/2)
	if lags < 2 {
		return true
	}
	return ljungBoxPass(m.resid[start:], lags, m.Order.params())
}

func residualTail(m *Model) int {
	return len(m.resid) - m.Order.maxLag()
}

// Condition re-anchors a fitted model on the freshest window: it replaces
// the stored levels and recomputes the stationary-scale residuals through
// the fitted recurrence, so forecasts start from the latest observations
// without a refit.
func (m *Model) Condition(series []float64) {
	m.levels = append([]float64(nil), series...)

	w := append([]float64(nil), series...)
	for i := 0; i < m.Order.D; i++ {
		w = diff(w)
	}
	if m.Order.SD > 0 && m.Order.Season > 1 {
		for i := 0; i < m.Order.SD; i++ {
			w = seasonalDiff(w, m.Order.Season)
		}
	}

	resid := make([]float64, len(w))
	for t := m.Order.maxLag(); t < len(w); t++ {
		resid[t] = w[t] - m.predictOne(w, resid, t)
	}
	m.resid = resid
}

// levelPolynomials expands the multiplicative AR and MA polynomials,
// folding the differencing operators into the AR side so the recurrence
// runs directly in levels: y_t = c + sum(a_i y_{t-i}) + e_t + sum(b_j e_{t-j}).
func (m *Model) levelPolynomials() (a, b []float64) {
	s := m.Order.Season

	phi := onePoly(m.AR, 1)
	if len(m.SAR) > 0 {
		phi = polyMul(phi, onePoly(m.SAR, s))
	}
	for i := 0; i < m.Order.D; i++ {
		phi = polyMul(phi, []float64{1, -1})
	}
	if m.Order.SD > 0 && s > 1 {
		dpoly := make([]float64, s+1)
		dpoly[0], dpoly[s] = 1, -1
		for i := 0; i < m.Order.SD; i++ {
			phi = polyMul(phi, dpoly)
		}
	}

	theta := maPoly(m.MA, 1)
	if len(m.SMA) > 0 {
		theta = polyMul(theta, maPoly(m.SMA, s))
	}

	a = make([]float64, len(phi)-1)
	for i := 1; i < len(phi); i++ {
		a[i-1] = -phi[i]
	}
	b = theta[1:]
	return a, b
}

// onePoly builds 1 - c1 B^step - c2 B^(2 step) - ...
func onePoly(coeffs []float64, step int) []float64 {
	out := make([]float64, len(coeffs)*step+1)
	out[0] = 1
	for i, c := range coeffs {
		out[(i+1)*step] = -c
	}
	return out
}

// maPoly builds 1 + c1 B^step + ...
func maPoly(coeffs []float64, step int) []float64 {
	out := make([]float64, len(coeffs)*step+1)
	out[0] = 1
	for i, c := range coeffs {
		out[(i+1)*step] = c
	}
	return out
}

func polyMul(p, q []float64) []float64 {
	out := make([]float64, len(p)+len(q)-1)
	for i, pv := range p {
		for j, qv := range q {
			out[i+j] += pv * qv
		}
	}
	return out
}

// Result is an h-step forecast with confidence bands.
type Result struct {
	Points     []float64
	Lower      []float64
	Upper      []float64
	Confidence float64
}

// Forecast produces h-step point predictions with two-sided bands at the
// given confidence level.
func (m *Model) Forecast(h int, confidence float64) Result {
	a, b := m.levelPolynomials()

	n := len(m.levels)
	ext := make([]float64, n, n+h)
	copy(ext, m.levels)

	// Align stationary-scale residuals to the level series tail; the
	// earliest levels get zero residuals.
	resid := make([]float64, n, n+h)
	offset := n - len(m.resid)
	for i, r := range m.resid {
		if offset+i >= 0 {
			resid[offset+i] = r
		}
	}

	for step := 0; step < h; step++ {
		t := len(ext)
		v := m.Constant
		for i, c := range a {
			if t-i-1 >= 0 {
				v += c * ext[t-i-1]
			}
		}
		for j, c := range b {
			if t-j-1 >= 0 && t-j-1 < n {
				v += c * resid[t-j-1]
			}
		}
		ext = append(ext, v)
		resid = append(resid, 0)
	}

	psi := psiWeights(a, b, h)
	z := normalQuantile(confidence)

	res := Result{Confidence: confidence}
	var cum float64
	for step := 0; step < h; step++ {
		cum += psi[step] * psi[step]
		se := math.Sqrt(m.ResidVar * cum)
		point := ext[n+step]
		res.Points = append(res.Points, point)
		res.Lower = append(res.Lower, point-z*se)
		res.Upper = append(res.Upper, point+z*se)
	}
	return res
}

// psiWeights computes the MA(∞) weights of the level-scale process.
func psiWeights(a, b []float64, h int) []float64 {
	psi := make([]float64, h)
	for j := 0; j < h; j++ {
		if j == 0 {
			psi[0] = 1
			continue
		}
		var v float64
		if j-1 < len(b) {
			v = b[j-1]
		}
		for i := 1; i <= j && i <= len(a); i++ {
			v += a[i-1] * psi[j-i]
		}
		psi[j] = v
	}
	return psi
}

// longARResiduals runs the Hannan-Rissanen first stage: a high-order AR
// fit whose residuals proxy the unobserved innovations.
func longARResiduals(w []float64) []float64 {
	order := min(10, len(w)/3)
	if order < 1 {
		return nil
	}
	rows := len(w) - order
	if rows <= order+1 {
		return nil
	}

	X := mat.NewDense(rows, order+1, nil)
	y := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		t := order + i
		X.Set(i, 0, 1)
		for j := 1; j <= order; j++ {
			X.Set(i, j, w[t-j])
		}
		y.SetVec(i, w[t])
	}
	beta, _, _, ok := olsSolve(X, y)
	if !ok {
		return nil
	}

	resid := make([]float64, len(w))
	for t := order; t < len(w); t++ {
		v := beta.AtVec(0)
		for j := 1; j <= order; j++ {
			v += beta.AtVec(j) * w[t-j]
		}
		resid[t] = w[t] - v
	}
	return resid
}
