package clip

import "math"

// AdamW is Adam with decoupled weight decay. State is allocated lazily on the first Step.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m, v [][]float64
}

func NewAdamW(lr, weightDecay float64) *AdamW {
	return &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
	}
}

// Step updates params in place. params and grads must have matching shapes across calls.
func (o *AdamW) Step(params, grads [][]float32) {
	if o.m == nil {
		o.m = make([][]float64, len(params))
		o.v = make([][]float64, len(params))
		for i, p := range params {
			o.m[i] = make([]float64, len(p))
			o.v[i] = make([]float64, len(p))
		}
	}
	o.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.step))
	stepSize := o.LR / bc1
	decay := 1 - o.LR*o.WeightDecay

	for i, p := range params {
		m, v, g := o.m[i], o.v[i], grads[i]
		for j := range p {
			gj := float64(g[j])
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*gj
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*gj*gj
			denom := math.Sqrt(v[j])/math.Sqrt(bc2) + o.Eps
			p[j] = float32(float64(p[j])*decay - stepSize*m[j]/denom)
		}
	}
}

// Steps reports how many updates have been applied.
func (o *AdamW) Steps() int {
	return o.step
}
