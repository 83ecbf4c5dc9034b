package trainer

import (
	"math"

	"github.com/absmach/roundsync/pkg/params"
)

type adam struct {
	lr, beta1, beta2, eps float64
	step                  int
	m, v                  params.Set
}

func newAdam(cfg Config, like params.Set) *adam {
	return &adam{
		lr:    cfg.LearningRate,
		beta1: cfg.Beta1,
		beta2: cfg.Beta2,
		eps:   cfg.Epsilon,
		m:     params.ZerosLike(like),
		v:     params.ZerosLike(like),
	}
}

// update applies one bias-corrected Adam step to ps using the averaged grads.
func (a *adam) update(ps, grads params.Set) {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))

	for i := range ps {
		p, g, m, v := ps[i].Data, grads[i].Data, a.m[i].Data, a.v[i].Data
		for j := range p {
			m[j] = a.beta1*m[j] + (1-a.beta1)*g[j]
			v[j] = a.beta2*v[j] + (1-a.beta2)*g[j]*g[j]
			p[j] -= a.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.eps)
		}
	}
}
