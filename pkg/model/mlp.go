package model

import (
	"fmt"
	"math"
	"math/rand"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/params"
	"gonum.org/v1/gonum/floats"
)

// MLP is a fully connected classifier: flatten, hidden dense layers, softmax.
// Parameters are laid out as weights_0, bias_0, weights_1, bias_1, ... with
// weights_l shaped [out, in].
type MLP struct {
	desc   Descriptor
	params params.Set
	widths []int
	acts   []string
}

var _ Model = (*MLP)(nil)

func NewMLP(d Descriptor, seed int64) (*MLP, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	widths := []int{d.InputSize()}
	acts := make([]string, 0, len(d.Hidden))
	for _, l := range d.Hidden {
		widths = append(widths, l.Units)
		acts = append(acts, l.Activation)
	}
	widths = append(widths, d.Classes)

	rng := rand.New(rand.NewSource(seed))
	ps := make(params.Set, 0, 2*(len(widths)-1))
	for l := 0; l+1 < len(widths); l++ {
		in, out := widths[l], widths[l+1]
		w := params.NewTensor(out, in)
		limit := math.Sqrt(6 / float64(in+out))
		for i := range w.Data {
			w.Data[i] = (2*rng.Float64() - 1) * limit
		}
		ps = append(ps, w, params.NewTensor(out))
	}

	return &MLP{
		desc:   d,
		params: ps,
		widths: widths,
		acts:   acts,
	}, nil
}

func (m *MLP) Describe() Descriptor {
	return m.desc
}

func (m *MLP) Snapshot() params.Set {
	return m.params.Clone()
}

func (m *MLP) Restore(p params.Set) error {
	if err := p.Validate(); err != nil {
		return err
	}

	return params.CopyInto(m.params, p)
}

func (m *MLP) Parameters() params.Set {
	return m.params
}

func (m *MLP) Predict(x []float32) []float64 {
	_, _, probs := m.forward(x)

	return probs
}

func (m *MLP) Gradient(x []float32, label int, grads params.Set) float64 {
	in, pre, probs := m.forward(x)
	loss := -math.Log(math.Max(probs[label], 1e-12))

	delta := append([]float64(nil), probs...)
	delta[label]--

	for l := len(m.widths) - 2; l >= 0; l-- {
		w := m.params[2*l]
		gw, gb := grads[2*l], grads[2*l+1]
		inW := m.widths[l]
		for o, d := range delta {
			floats.AddScaled(gw.Data[o*inW:(o+1)*inW], d, in[l])
		}
		floats.Add(gb.Data, delta)
		if l == 0 {
			break
		}

		prev := make([]float64, inW)
		for o, d := range delta {
			floats.AddScaled(prev, d, w.Data[o*inW:(o+1)*inW])
		}
		if m.acts[l-1] == ActivationReLU {
			for i, z := range pre[l-1] {
				if z <= 0 {
					prev[i] = 0
				}
			}
		}
		delta = prev
	}

	return loss
}

// forward returns the input of every dense layer, the pre-activations of
// the hidden layers and the output probabilities.
func (m *MLP) forward(x []float32) (inputs, pre [][]float64, probs []float64) {
	if len(x) != m.widths[0] {
		panic(fmt.Sprintf("%v: example has %d values, model expects %d", pkgerrors.ErrShapeMismatch, len(x), m.widths[0]))
	}

	a := make([]float64, len(x))
	for i, v := range x {
		a[i] = float64(v)
	}

	layers := len(m.widths) - 1
	inputs = make([][]float64, layers)
	pre = make([][]float64, 0, layers-1)
	for l := 0; l < layers; l++ {
		inputs[l] = a
		w, b := m.params[2*l], m.params[2*l+1]
		inW, outW := m.widths[l], m.widths[l+1]
		z := make([]float64, outW)
		for o := range z {
			z[o] = floats.Dot(w.Data[o*inW:(o+1)*inW], a) + b.Data[o]
		}
		if l == layers-1 {
			return inputs, pre, softmax(z)
		}

		pre = append(pre, z)
		next := make([]float64, outW)
		copy(next, z)
		if m.acts[l] == ActivationReLU {
			for i, v := range next {
				next[i] = math.Max(0, v)
			}
		}
		a = next
	}

	return inputs, pre, nil
}

func softmax(z []float64) []float64 {
	maxZ := floats.Max(z)
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - maxZ)
		sum += out[i]
	}
	floats.Scale(1/sum, out)

	return out
}

// TensorName names the i-th parameter tensor of an MLP.
func TensorName(i int) string {
	if i%2 == 0 {
		return fmt.Sprintf("weights_%d", i/2)
	}

	return fmt.Sprintf("bias_%d", i/2)
}
