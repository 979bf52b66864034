// Package fedavg implements federated averaging over the per-client datasets
// exposed by a clientdata.ClientData. Each round, every sampled client trains
// a copy of the global model on its own data; the updated copies are then
// averaged, weighted by example count, into the next global model.
//
// The model is a small self-contained MLP trained with mini-batch SGD, kept
// free of external deep-learning dependencies so simulations run quickly and
// deterministically under a fixed seed.
package fedavg

import (
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Config holds the model architecture and local-training hyperparameters.
// Zero values select sensible defaults in NewModel.
type Config struct {
	// HiddenSizes is the list of hidden layer sizes. Defaults to []int{64}.
	HiddenSizes []int

	// InputDim is the dimensionality of the input feature vector.
	InputDim int

	// OutputDim is the dimensionality of the label vector. Defaults to 1.
	OutputDim int

	// LearningRate used by local SGD (default 0.001).
	LearningRate float64

	// LocalEpochs each client trains for per round (default 1).
	LocalEpochs int

	// BatchSize for local mini-batch updates (default 8).
	BatchSize int

	// Seed controls RNG for weight init and shuffling. If zero, a
	// time-based seed is used.
	Seed int64
}

// Model is a small MLP with ReLU hidden activations and a linear output
// layer, trained against a mean-squared-error loss.
type Model struct {
	Config Config

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] is a matrix of shape [out][in] for layer l -> l+1.
	weights [][][]float32

	// biases[l] is a vector of length out for layer l -> l+1.
	biases [][]float32

	// rng used for weight initialization and shuffling.
	rng *rand.Rand
}

// NewModel creates a Model with the provided configuration, initializing the
// weights with the Xavier/Glorot uniform heuristic.
func NewModel(cfg Config) (*Model, error) {
	if cfg.InputDim <= 0 {
		return nil, errors.New("InputDim must be positive")
	}
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{64}
	}
	if cfg.OutputDim == 0 {
		cfg.OutputDim = 1
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.001
	}
	if cfg.LocalEpochs == 0 {
		cfg.LocalEpochs = 1
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 8
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	m := &Model{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.InputDim)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.OutputDim)
	m.layerSizes = sizes

	L := len(sizes) - 1
	m.weights = make([][][]float32, L)
	m.biases = make([][]float32, L)
	for l := 0; l < L; l++ {
		in := sizes[l]
		out := sizes[l+1]
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		mat := make([][]float32, out)
		for j := 0; j < out; j++ {
			row := make([]float32, in)
			for i := 0; i < in; i++ {
				row[i] = (m.rng.Float32()*2.0 - 1.0) * limit * 0.5
			}
			mat[j] = row
		}
		m.weights[l] = mat
		m.biases[l] = make([]float32, out)
	}

	return m, nil
}

// Clone returns a deep copy of the model parameters. The clone gets its own
// RNG derived from the parent's, so concurrent local training on clones never
// shares state with the parent.
func (m *Model) Clone() *Model {
	c := &Model{
		Config:     m.Config,
		layerSizes: append([]int(nil), m.layerSizes...),
		rng:        rand.New(rand.NewSource(m.rng.Int63())),
	}
	c.weights = make([][][]float32, len(m.weights))
	c.biases = make([][]float32, len(m.biases))
	for l := range m.weights {
		c.weights[l] = make([][]float32, len(m.weights[l]))
		for j := range m.weights[l] {
			c.weights[l][j] = append([]float32(nil), m.weights[l][j]...)
		}
		c.biases[l] = append([]float32(nil), m.biases[l]...)
	}
	return c
}

// activationReLU applies ReLU in-place over the slice.
func activationReLU(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}

// activationReLUDeriv returns the elementwise ReLU derivative at preact:
// 1 where preact>0, else 0.
func activationReLUDeriv(preact []float32) []float32 {
	d := make([]float32, len(preact))
	for i := range preact {
		if preact[i] > 0 {
			d[i] = 1.0
		}
	}
	return d
}

// forwardSingle performs a forward pass for a single input vector, returning
// the per-layer pre-activation vectors (len = L) and activation vectors
// (len = L+1, activations[0] = input).
func (m *Model) forwardSingle(input []float32) (preActs [][]float32, acts [][]float32, err error) {
	if len(input) != m.layerSizes[0] {
		return nil, nil, errors.Errorf("input has dimension %d, model expects %d", len(input), m.layerSizes[0])
	}
	L := len(m.weights)
	acts = make([][]float32, L+1)
	acts[0] = append([]float32(nil), input...)

	preActs = make([][]float32, L)
	for l := 0; l < L; l++ {
		inVec := acts[l]
		outDim := len(m.biases[l])
		pre := make([]float32, outDim)
		for j := 0; j < outDim; j++ {
			sum := m.biases[l][j]
			row := m.weights[l][j]
			for i := range inVec {
				sum += row[i] * inVec[i]
			}
			pre[j] = sum
		}
		preActs[l] = pre

		// ReLU for hidden layers, linear for the last layer.
		act := append([]float32(nil), pre...)
		if l < L-1 {
			activationReLU(act)
		}
		acts[l+1] = act
	}
	return preActs, acts, nil
}

// PredictBatch returns model predictions for a batch of inputs without
// training. The result has shape [batch][OutputDim].
func (m *Model) PredictBatch(inputs [][]float32) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		_, acts, err := m.forwardSingle(in)
		if err != nil {
			return nil, err
		}
		out[i] = append([]float32(nil), acts[len(acts)-1]...)
	}
	return out, nil
}

// TrainLocal runs Config.LocalEpochs of mini-batch SGD over ds and returns
// the mean squared error measured over the final epoch.
func (m *Model) TrainLocal(ds Dataset) (float64, error) {
	if ds == nil {
		return 0, errors.New("dataset is nil")
	}
	n := ds.Len()
	if n == 0 {
		return 0, errors.New("dataset has no examples")
	}

	epochs := m.Config.LocalEpochs
	if epochs <= 0 {
		epochs = 1
	}
	batchSize := m.Config.BatchSize
	if batchSize <= 0 {
		batchSize = 8
	}
	lr := float32(m.Config.LearningRate)
	if lr <= 0 {
		lr = 0.001
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	var epochLoss float64
	for ep := 0; ep < epochs; ep++ {
		m.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		epochLoss = 0

		for bstart := 0; bstart < n; bstart += batchSize {
			bend := bstart + batchSize
			if bend > n {
				bend = n
			}
			inputs, labels, err := ds.Batch(indices[bstart:bend])
			if err != nil {
				return 0, err
			}
			batchN := len(inputs)
			if batchN == 0 {
				continue
			}

			loss, err := m.sgdStep(inputs, labels, lr)
			if err != nil {
				return 0, err
			}
			epochLoss += loss * float64(batchN)
		}
		epochLoss /= float64(n)
	}
	return epochLoss, nil
}

// sgdStep accumulates gradients over one mini-batch and applies the averaged
// SGD update, returning the mean squared error over the batch.
func (m *Model) sgdStep(inputs, labels [][]float32, lr float32) (float64, error) {
	L := len(m.weights)
	gradW := make([][][]float32, L)
	gradB := make([][]float32, L)
	for l := 0; l < L; l++ {
		outDim := len(m.biases[l])
		inDim := len(m.weights[l][0])
		gradW[l] = make([][]float32, outDim)
		for j := 0; j < outDim; j++ {
			gradW[l][j] = make([]float32, inDim)
		}
		gradB[l] = make([]float32, outDim)
	}

	var batchLoss float64
	for ex := range inputs {
		la := labels[ex]
		if len(la) != m.layerSizes[len(m.layerSizes)-1] {
			return 0, errors.Errorf("label has dimension %d, model expects %d", len(la), m.layerSizes[len(m.layerSizes)-1])
		}

		preacts, acts, err := m.forwardSingle(inputs[ex])
		if err != nil {
			return 0, err
		}

		// dLoss/dOutput = 2*(pred - label) for MSE.
		outAct := acts[len(acts)-1]
		delta := make([]float32, len(outAct))
		for j := range outAct {
			diff := outAct[j] - la[j]
			delta[j] = 2.0 * diff
			batchLoss += float64(diff) * float64(diff)
		}

		for l := L - 1; l >= 0; l-- {
			inAct := acts[l]
			for j := range delta {
				gradB[l][j] += delta[j]
				for i := range inAct {
					gradW[l][j][i] += delta[j] * inAct[i]
				}
			}

			if l > 0 {
				prevLen := len(m.weights[l][0])
				newDelta := make([]float32, prevLen)
				for i := 0; i < prevLen; i++ {
					sum := float32(0.0)
					for j := range delta {
						sum += m.weights[l][j][i] * delta[j]
					}
					newDelta[i] = sum
				}
				deriv := activationReLUDeriv(preacts[l-1])
				for i := 0; i < prevLen; i++ {
					newDelta[i] *= deriv[i]
				}
				delta = newDelta
			}
		}
	}

	bInv := float32(1.0 / float64(len(inputs)))
	for l := 0; l < L; l++ {
		for j := range m.biases[l] {
			m.biases[l][j] -= lr * gradB[l][j] * bInv
			for i := range m.weights[l][j] {
				m.weights[l][j][i] -= lr * gradW[l][j][i] * bInv
			}
		}
	}
	return batchLoss / float64(len(inputs)*len(m.biases[L-1])), nil
}

func sameSizes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Average replaces m's parameters with the weighted average of the given
// models' parameters. Weights are normalized internally; typically they are
// per-client example counts. All models must share m's architecture.
func (m *Model) Average(models []*Model, weights []float64) error {
	if len(models) == 0 {
		return errors.New("no models to average")
	}
	if len(models) != len(weights) {
		return errors.Errorf("got %d models but %d weights", len(models), len(weights))
	}
	var total float64
	for _, w := range weights {
		if w < 0 {
			return errors.New("averaging weights must be non-negative")
		}
		total += w
	}
	if total == 0 {
		return errors.New("averaging weights sum to zero")
	}
	for k, other := range models {
		if !sameSizes(other.layerSizes, m.layerSizes) {
			return errors.Errorf("model %d has layer sizes %v, want %v", k, other.layerSizes, m.layerSizes)
		}
	}

	for l := range m.weights {
		for j := range m.weights[l] {
			for i := range m.weights[l][j] {
				var sum float64
				for k, other := range models {
					sum += weights[k] / total * float64(other.weights[l][j][i])
				}
				m.weights[l][j][i] = float32(sum)
			}
			var sum float64
			for k, other := range models {
				sum += weights[k] / total * float64(other.biases[l][j])
			}
			m.biases[l][j] = float32(sum)
		}
	}
	return nil
}
