package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
)

// AutoencoderConfig configures the reconstruction model.
type AutoencoderConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         int64
}

// DefaultAutoencoderConfig returns the stock reconstruction settings.
func DefaultAutoencoderConfig() AutoencoderConfig {
	return AutoencoderConfig{Epochs: 50, BatchSize: 32, LearningRate: 0.001, Seed: 42}
}

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
)

type activation int

const (
	relu activation = iota
	sigmoidAct
)

type dense struct {
	in, out int
	w       []float64 // out x in, row-major
	b       []float64
	act     activation
}

func (l *dense) forward(x, z, a []float64) {
	for o := 0; o < l.out; o++ {
		s := l.b[o]
		row := l.w[o*l.in : (o+1)*l.in]
		for i, v := range x {
			s += row[i] * v
		}
		z[o] = s
		if l.act == relu {
			a[o] = math.Max(0, s)
		} else {
			a[o] = sigmoid(s)
		}
	}
}

// Autoencoder is a dense encoder/decoder d → d/2 → d/4 → d/2 → d with ReLU
// hidden layers and a sigmoid output, trained to reproduce its input.
type Autoencoder struct {
	layers    []*dense
	dim       int
	finalLoss float64
}

// Widths returns the layer widths for a d-wide input.
func Widths(d int) []int {
	h1 := max(1, d/2)
	h2 := max(1, d/4)
	return []int{d, h1, h2, h1, d}
}

// FitAutoencoder trains with mini-batch Adam on mean squared reconstruction error.
func FitAutoencoder(ctx context.Context, x [][]float64, cfg AutoencoderConfig) (*Autoencoder, error) {
	d, err := checkMatrix(x)
	if err != nil {
		return nil, err
	}
	if cfg.Epochs <= 0 || cfg.BatchSize <= 0 || !(cfg.LearningRate > 0) {
		return nil, fmt.Errorf("ml: epochs, batch size and learning rate must be positive")
	}

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)+1))
	widths := Widths(d)
	ae := &Autoencoder{dim: d}
	for l := 0; l+1 < len(widths); l++ {
		in, out := widths[l], widths[l+1]
		act := relu
		if l+2 == len(widths) {
			act = sigmoidAct
		}
		layer := &dense{in: in, out: out, w: make([]float64, in*out), b: make([]float64, out), act: act}
		limit := math.Sqrt(6 / float64(in+out))
		for i := range layer.w {
			layer.w[i] = (rng.Float64()*2 - 1) * limit
		}
		ae.layers = append(ae.layers, layer)
	}

	tr := newTrainer(ae.layers, cfg.LearningRate)
	n := len(x)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		order := rng.Perm(n)
		var epochLoss float64
		for start := 0; start < n; start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, n)
			epochLoss += tr.step(x, order[start:end]) * float64(end-start)
		}
		ae.finalLoss = epochLoss / float64(n)
		if !finite(ae.finalLoss) {
			return nil, fmt.Errorf("%w: autoencoder loss at epoch %d", ErrNonFinite, epoch)
		}
	}

	for _, layer := range ae.layers {
		for _, v := range layer.w {
			if !finite(v) {
				return nil, fmt.Errorf("%w: autoencoder weights", ErrNonFinite)
			}
		}
	}
	return ae, nil
}

// adamTrainer holds gradient buffers and optimizer moments.
type adamTrainer struct {
	layers    []*dense
	lr        float64
	t         int
	gw, gb    [][]float64
	mw, vw    [][]float64
	mb, vb    [][]float64
	z, a, dlt [][]float64
}

func newTrainer(layers []*dense, lr float64) *adamTrainer {
	tr := &adamTrainer{layers: layers, lr: lr}
	for _, l := range layers {
		tr.gw = append(tr.gw, make([]float64, len(l.w)))
		tr.gb = append(tr.gb, make([]float64, len(l.b)))
		tr.mw = append(tr.mw, make([]float64, len(l.w)))
		tr.vw = append(tr.vw, make([]float64, len(l.w)))
		tr.mb = append(tr.mb, make([]float64, len(l.b)))
		tr.vb = append(tr.vb, make([]float64, len(l.b)))
		tr.z = append(tr.z, make([]float64, l.out))
		tr.a = append(tr.a, make([]float64, l.out))
		tr.dlt = append(tr.dlt, make([]float64, l.out))
	}
	return tr
}

// step runs one mini-batch update and returns the batch's mean loss.
func (tr *adamTrainer) step(x [][]float64, batch []int) float64 {
	for l := range tr.layers {
		clear(tr.gw[l])
		clear(tr.gb[l])
	}

	last := len(tr.layers) - 1
	d := float64(tr.layers[last].out)
	scale := 2 / (d * float64(len(batch)))
	var loss float64

	for _, idx := range batch {
		input := x[idx]
		prev := input
		for l, layer := range tr.layers {
			layer.forward(prev, tr.z[l], tr.a[l])
			prev = tr.a[l]
		}

		out := tr.a[last]
		for o := range out {
			diff := out[o] - input[o]
			loss += diff * diff / d
			tr.dlt[last][o] = scale * diff * out[o] * (1 - out[o])
		}

		for l := last; l >= 0; l-- {
			layer := tr.layers[l]
			below := input
			if l > 0 {
				below = tr.a[l-1]
			}
			for o := 0; o < layer.out; o++ {
				delta := tr.dlt[l][o]
				tr.gb[l][o] += delta
				row := tr.gw[l][o*layer.in : (o+1)*layer.in]
				for i, v := range below {
					row[i] += delta * v
				}
			}
			if l == 0 {
				break
			}
			for i := 0; i < layer.in; i++ {
				var s float64
				for o := 0; o < layer.out; o++ {
					s += layer.w[o*layer.in+i] * tr.dlt[l][o]
				}
				if tr.z[l-1][i] <= 0 {
					s = 0
				}
				tr.dlt[l-1][i] = s
			}
		}
	}

	tr.t++
	c1 := 1 - math.Pow(adamBeta1, float64(tr.t))
	c2 := 1 - math.Pow(adamBeta2, float64(tr.t))
	for l, layer := range tr.layers {
		adam(layer.w, tr.gw[l], tr.mw[l], tr.vw[l], tr.lr, c1, c2)
		adam(layer.b, tr.gb[l], tr.mb[l], tr.vb[l], tr.lr, c1, c2)
	}
	return loss / float64(len(batch))
}

func adam(p, g, m, v []float64, lr, c1, c2 float64) {
	for i := range p {
		m[i] = adamBeta1*m[i] + (1-adamBeta1)*g[i]
		v[i] = adamBeta2*v[i] + (1-adamBeta2)*g[i]*g[i]
		p[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + adamEpsilon)
	}
}

// Reconstruct passes row through the network.
func (ae *Autoencoder) Reconstruct(row []float64) []float64 {
	prev := row
	for _, layer := range ae.layers {
		z := make([]float64, layer.out)
		a := make([]float64, layer.out)
		layer.forward(prev, z, a)
		prev = a
	}
	return prev
}

// ReconstructionError is the mean squared difference between row and its reconstruction.
func (ae *Autoencoder) ReconstructionError(row []float64) float64 {
	out := ae.Reconstruct(row)
	var s float64
	for i, v := range row {
		diff := out[i] - v
		s += diff * diff
	}
	return s / float64(len(row))
}

// Dim returns the input width.
func (ae *Autoencoder) Dim() int { return ae.dim }

// FinalLoss is the mean training loss of the last epoch.
func (ae *Autoencoder) FinalLoss() float64 { return ae.finalLoss }
