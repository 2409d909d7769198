package agent

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// dense is one fully connected layer, y = Wx + b, with Adam moments.
type dense struct {
	w, b           *mat.Dense
	gw, gb         *mat.Dense
	mw, vw, mb, vb *mat.Dense
}

func newDense(in, out int, rng *rand.Rand) *dense {
	scale := math.Sqrt(2.0 / float64(in))
	data := make([]float64, in*out)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return &dense{
		w:  mat.NewDense(out, in, data),
		b:  mat.NewDense(out, 1, nil),
		gw: mat.NewDense(out, in, nil),
		gb: mat.NewDense(out, 1, nil),
		mw: mat.NewDense(out, in, nil),
		vw: mat.NewDense(out, in, nil),
		mb: mat.NewDense(out, 1, nil),
		vb: mat.NewDense(out, 1, nil),
	}
}

func (d *dense) forward(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Mul(d.w, x)
	y.Add(&y, d.b)
	return &y
}

// backward accumulates gradients and returns dL/dx.
func (d *dense) backward(x, dy *mat.Dense) *mat.Dense {
	var gw mat.Dense
	gw.Mul(dy, x.T())
	d.gw.Add(d.gw, &gw)
	d.gb.Add(d.gb, dy)

	var dx mat.Dense
	dx.Mul(d.w.T(), dy)
	return &dx
}

func (d *dense) zeroGrad() {
	d.gw.Zero()
	d.gb.Zero()
}

func (d *dense) gradNormSq() float64 {
	var sum float64
	for _, g := range []*mat.Dense{d.gw, d.gb} {
		r, c := g.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := g.At(i, j)
				sum += v * v
			}
		}
	}
	return sum
}

func (d *dense) scaleGrad(f float64) {
	d.gw.Scale(f, d.gw)
	d.gb.Scale(f, d.gb)
}

func (d *dense) adamStep(lr, beta1, beta2, eps float64, t int) {
	step := func(w, g, m, v *mat.Dense) {
		r, c := w.Dims()
		bc1 := 1 - math.Pow(beta1, float64(t))
		bc2 := 1 - math.Pow(beta2, float64(t))
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				gij := g.At(i, j)
				mij := beta1*m.At(i, j) + (1-beta1)*gij
				vij := beta2*v.At(i, j) + (1-beta2)*gij*gij
				m.Set(i, j, mij)
				v.Set(i, j, vij)
				w.Set(i, j, w.At(i, j)-lr*(mij/bc1)/(math.Sqrt(vij/bc2)+eps))
			}
		}
	}
	step(d.w, d.gw, d.mw, d.vw)
	step(d.b, d.gb, d.mb, d.vb)
}

func (d *dense) copyFrom(src *dense) {
	d.w.Copy(src.w)
	d.b.Copy(src.b)
}

func relu(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := x.At(i, j); v > 0 {
				out.Set(i, j, v)
			}
		}
	}
	return out
}

func reluBackward(pre, dy *mat.Dense) *mat.Dense {
	r, c := dy.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if pre.At(i, j) > 0 {
				out.Set(i, j, dy.At(i, j))
			}
		}
	}
	return out
}

// Network is the dueling Q-network: a two-layer state encoder, an
// attention block over the encoded state, and separate value and
// advantage streams combined as Q = V + (A - mean A).
//
// The state enters the attention block as a single token, so the softmax
// over attention scores is degenerate and the gradient flows through the
// value and output projections; the query and key projections shape the
// (constant) weights only.
type Network struct {
	enc1, enc2                 *dense
	attnQ, attnK, attnV, attnO *dense
	valHidden, valOut          *dense
	advHidden, advOut          *dense

	stateDim, actionDim, hiddenDim int
}

type netCache struct {
	x                  *mat.Dense
	pre1, h1, pre2, h2 *mat.Dense
	attnVal, attnOut   *mat.Dense
	preVH, vh          *mat.Dense
	preAH, ah          *mat.Dense
	adv                *mat.Dense
}

func NewNetwork(stateDim, actionDim, hiddenDim int, rng *rand.Rand) *Network {
	return &Network{
		enc1:      newDense(stateDim, hiddenDim, rng),
		enc2:      newDense(hiddenDim, hiddenDim, rng),
		attnQ:     newDense(hiddenDim, hiddenDim, rng),
		attnK:     newDense(hiddenDim, hiddenDim, rng),
		attnV:     newDense(hiddenDim, hiddenDim, rng),
		attnO:     newDense(hiddenDim, hiddenDim, rng),
		valHidden: newDense(hiddenDim, hiddenDim/2, rng),
		valOut:    newDense(hiddenDim/2, 1, rng),
		advHidden: newDense(hiddenDim, hiddenDim/2, rng),
		advOut:    newDense(hiddenDim/2, actionDim, rng),
		stateDim:  stateDim,
		actionDim: actionDim,
		hiddenDim: hiddenDim,
	}
}

func (n *Network) layers() []*dense {
	return []*dense{
		n.enc1, n.enc2, n.attnQ, n.attnK, n.attnV, n.attnO,
		n.valHidden, n.valOut, n.advHidden, n.advOut,
	}
}

// Forward computes Q-values for one state vector.
func (n *Network) Forward(state []float64) ([]float64, *netCache) {
	c := &netCache{}
	c.x = mat.NewDense(n.stateDim, 1, append([]float64(nil), state...))

	c.pre1 = n.enc1.forward(c.x)
	c.h1 = relu(c.pre1)
	c.pre2 = n.enc2.forward(c.h1)
	c.h2 = relu(c.pre2)

	// Single-token attention: softmax over one score is 1, so the
	// context equals the value projection.
	c.attnVal = n.attnV.forward(c.h2)
	c.attnOut = n.attnO.forward(c.attnVal)

	c.preVH = n.valHidden.forward(c.attnOut)
	c.vh = relu(c.preVH)
	value := n.valOut.forward(c.vh)

	c.preAH = n.advHidden.forward(c.attnOut)
	c.ah = relu(c.preAH)
	c.adv = n.advOut.forward(c.ah)

	var advMean float64
	for i := 0; i < n.actionDim; i++ {
		advMean += c.adv.At(i, 0)
	}
	advMean /= float64(n.actionDim)

	q := make([]float64, n.actionDim)
	for i := range q {
		q[i] = value.At(0, 0) + c.adv.At(i, 0) - advMean
	}
	return q, c
}

// Backward accumulates gradients for dL/dQ on one forward cache.
func (n *Network) Backward(c *netCache, dq []float64) {
	k := float64(n.actionDim)
	var dqSum float64
	for _, v := range dq {
		dqSum += v
	}

	// dQ/dV = 1 for all actions; dQ/dA_j = delta_ij - 1/k.
	dVal := mat.NewDense(1, 1, []float64{dqSum})
	dAdv := mat.NewDense(n.actionDim, 1, nil)
	for i := 0; i < n.actionDim; i++ {
		dAdv.Set(i, 0, dq[i]-dqSum/k)
	}

	dvh := n.valOut.backward(c.vh, dVal)
	dPreVH := reluBackward(c.preVH, dvh)
	dOutV := n.valHidden.backward(c.attnOut, dPreVH)

	dah := n.advOut.backward(c.ah, dAdv)
	dPreAH := reluBackward(c.preAH, dah)
	dOutA := n.advHidden.backward(c.attnOut, dPreAH)

	var dAttnOut mat.Dense
	dAttnOut.Add(dOutV, dOutA)

	dAttnVal := n.attnO.backward(c.attnVal, &dAttnOut)
	dh2 := n.attnV.backward(c.h2, dAttnVal)

	dPre2 := reluBackward(c.pre2, dh2)
	dh1 := n.enc2.backward(c.h1, dPre2)
	dPre1 := reluBackward(c.pre1, dh1)
	n.enc1.backward(c.x, dPre1)
}

func (n *Network) zeroGrad() {
	for _, l := range n.layers() {
		l.zeroGrad()
	}
}

// clipGradients rescales all gradients to the given global L2 norm.
func (n *Network) clipGradients(maxNorm float64) {
	var total float64
	for _, l := range n.layers() {
		total += l.gradNormSq()
	}
	norm := math.Sqrt(total)
	if norm > maxNorm && norm > 0 {
		f := maxNorm / norm
		for _, l := range n.layers() {
			l.scaleGrad(f)
		}
	}
}

func (n *Network) adamStep(lr float64, t int) {
	for _, l := range n.layers() {
		l.adamStep(lr, 0.9, 0.999, 1e-8, t)
	}
}

// CopyFrom hard-syncs weights from another network of identical shape.
func (n *Network) CopyFrom(src *Network) {
	dst := n.layers()
	for i, l := range src.layers() {
		dst[i].copyFrom(l)
	}
}

// layerState is the gob-serializable form of one layer.
type layerState struct {
	W, B []float64
	Rows, Cols int
}

// NetworkState is the serializable snapshot of all weights.
type NetworkState struct {
	Layers []layerState
}

// Snapshot captures the weights for checkpointing.
func (n *Network) Snapshot() NetworkState {
	var s NetworkState
	for _, l := range n.layers() {
		r, c := l.w.Dims()
		s.Layers = append(s.Layers, layerState{
			W:    append([]float64(nil), l.w.RawMatrix().Data...),
			B:    append([]float64(nil), l.b.RawMatrix().Data...),
			Rows: r, Cols: c,
		})
	}
	return s
}

// Restore loads weights from a snapshot of the same architecture.
func (n *Network) Restore(s NetworkState) bool {
	layers := n.layers()
	if len(s.Layers) != len(layers) {
		return false
	}
	for i, ls := range s.Layers {
		r, c := layers[i].w.Dims()
		if ls.Rows != r || ls.Cols != c || len(ls.W) != r*c {
			return false
		}
		copy(layers[i].w.RawMatrix().Data, ls.W)
		copy(layers[i].b.RawMatrix().Data, ls.B)
	}
	return true
}
