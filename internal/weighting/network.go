// Package weighting maps feature vectors to per-method ensemble weights.
// A small feed-forward network ending in softmax guarantees non-negative
// weights summing to one; the surrounding Model applies the production
// resolution order (active snapshot, network inference, equal weights).
package weighting

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/fairval/internal/domain"
	"github.com/aristath/fairval/internal/features"
)

// Network dimensions. Input is the feature vector, output one weight per
// method in canonical order.
const (
	InputSize  = features.Size
	HiddenSize = 16
	OutputSize = domain.MethodCount
)

// Network is a two-layer feed-forward network with ReLU hidden activation
// and softmax output. Instances are not safe for concurrent mutation; the
// Model swaps complete instances atomically instead of training in place.
type Network struct {
	w1 *mat.Dense // HiddenSize x InputSize
	b1 *mat.VecDense
	w2 *mat.Dense // OutputSize x HiddenSize
	b2 *mat.VecDense
}

// Sample is one training example: a feature vector and a target weight
// distribution derived from realized per-method errors.
type Sample struct {
	Features []float64
	Target   []float64 // length OutputSize, sums to 1
}

// NewNetwork creates a network with small random weights. The seed makes
// training runs reproducible.
func NewNetwork(seed int64) *Network {
	rng := rand.New(rand.NewSource(seed))

	// Xavier-style scaling keeps early softmax outputs near uniform.
	scale1 := math.Sqrt(2.0 / float64(InputSize))
	scale2 := math.Sqrt(2.0 / float64(HiddenSize))

	w1 := mat.NewDense(HiddenSize, InputSize, nil)
	for i := 0; i < HiddenSize; i++ {
		for j := 0; j < InputSize; j++ {
			w1.Set(i, j, rng.NormFloat64()*scale1)
		}
	}
	w2 := mat.NewDense(OutputSize, HiddenSize, nil)
	for i := 0; i < OutputSize; i++ {
		for j := 0; j < HiddenSize; j++ {
			w2.Set(i, j, rng.NormFloat64()*scale2)
		}
	}

	return &Network{
		w1: w1,
		b1: mat.NewVecDense(HiddenSize, nil),
		w2: w2,
		b2: mat.NewVecDense(OutputSize, nil),
	}
}

// Forward runs inference and returns the softmax weight vector, ordered by
// the canonical method list.
func (n *Network) Forward(featureVec []float64) ([]float64, error) {
	logits, _, err := n.forward(featureVec)
	if err != nil {
		return nil, err
	}
	return softmax(logits), nil
}

// forward returns raw logits and the hidden activations (needed by backprop).
func (n *Network) forward(featureVec []float64) (logits, hidden []float64, err error) {
	if len(featureVec) != InputSize {
		return nil, nil, fmt.Errorf("feature vector length %d, want %d", len(featureVec), InputSize)
	}

	x := mat.NewVecDense(InputSize, featureVec)

	h := mat.NewVecDense(HiddenSize, nil)
	h.MulVec(n.w1, x)
	h.AddVec(h, n.b1)
	hidden = make([]float64, HiddenSize)
	for i := 0; i < HiddenSize; i++ {
		hidden[i] = math.Max(0, h.AtVec(i)) // ReLU
	}

	out := mat.NewVecDense(OutputSize, nil)
	out.MulVec(n.w2, mat.NewVecDense(HiddenSize, hidden))
	out.AddVec(out, n.b2)

	logits = make([]float64, OutputSize)
	for i := 0; i < OutputSize; i++ {
		logits[i] = out.AtVec(i)
	}
	return logits, hidden, nil
}

// TrainEpoch runs one pass of stochastic gradient descent over the samples
// and returns the mean cross-entropy loss.
func (n *Network) TrainEpoch(samples []Sample, learningRate float64) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("no samples")
	}

	totalLoss := 0.0
	for _, s := range samples {
		loss, err := n.step(s, learningRate)
		if err != nil {
			return 0, err
		}
		totalLoss += loss
	}
	return totalLoss / float64(len(samples)), nil
}

// step performs one gradient update. Softmax + cross-entropy gives the clean
// gradient dL/dlogits = p - t.
func (n *Network) step(s Sample, lr float64) (float64, error) {
	logits, hidden, err := n.forward(s.Features)
	if err != nil {
		return 0, err
	}
	if len(s.Target) != OutputSize {
		return 0, fmt.Errorf("target length %d, want %d", len(s.Target), OutputSize)
	}

	probs := softmax(logits)
	loss := crossEntropy(probs, s.Target)

	dlogits := make([]float64, OutputSize)
	for i := range dlogits {
		dlogits[i] = probs[i] - s.Target[i]
	}

	// Output layer gradients.
	dh := make([]float64, HiddenSize)
	for i := 0; i < OutputSize; i++ {
		for j := 0; j < HiddenSize; j++ {
			dh[j] += n.w2.At(i, j) * dlogits[i]
			n.w2.Set(i, j, n.w2.At(i, j)-lr*dlogits[i]*hidden[j])
		}
		n.b2.SetVec(i, n.b2.AtVec(i)-lr*dlogits[i])
	}

	// Hidden layer gradients through the ReLU mask.
	for j := 0; j < HiddenSize; j++ {
		if hidden[j] <= 0 {
			continue
		}
		for k := 0; k < InputSize; k++ {
			n.w1.Set(j, k, n.w1.At(j, k)-lr*dh[j]*s.Features[k])
		}
		n.b1.SetVec(j, n.b1.AtVec(j)-lr*dh[j])
	}

	return loss, nil
}

// Loss returns the mean cross-entropy over samples without updating weights.
func (n *Network) Loss(samples []Sample) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("no samples")
	}
	total := 0.0
	for _, s := range samples {
		probs, err := n.Forward(s.Features)
		if err != nil {
			return 0, err
		}
		total += crossEntropy(probs, s.Target)
	}
	return total / float64(len(samples)), nil
}

// Clone returns a deep copy, used to retain the best validation checkpoint.
func (n *Network) Clone() *Network {
	return &Network{
		w1: mat.DenseCopyOf(n.w1),
		b1: mat.VecDenseCopyOf(n.b1),
		w2: mat.DenseCopyOf(n.w2),
		b2: mat.VecDenseCopyOf(n.b2),
	}
}

// checkpoint is the serialized network state.
type checkpoint struct {
	InputSize  int       `msgpack:"input_size"`
	HiddenSize int       `msgpack:"hidden_size"`
	OutputSize int       `msgpack:"output_size"`
	W1         []float64 `msgpack:"w1"`
	B1         []float64 `msgpack:"b1"`
	W2         []float64 `msgpack:"w2"`
	B2         []float64 `msgpack:"b2"`
	SavedAt    time.Time `msgpack:"saved_at"`
}

// MarshalCheckpoint serializes the network to msgpack.
func (n *Network) MarshalCheckpoint() ([]byte, error) {
	cp := checkpoint{
		InputSize:  InputSize,
		HiddenSize: HiddenSize,
		OutputSize: OutputSize,
		W1:         append([]float64(nil), n.w1.RawMatrix().Data...),
		B1:         append([]float64(nil), n.b1.RawVector().Data...),
		W2:         append([]float64(nil), n.w2.RawMatrix().Data...),
		B2:         append([]float64(nil), n.b2.RawVector().Data...),
		SavedAt:    time.Now().UTC(),
	}
	data, err := msgpack.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// UnmarshalCheckpoint restores a network from msgpack bytes.
func UnmarshalCheckpoint(data []byte) (*Network, error) {
	var cp checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.InputSize != InputSize || cp.HiddenSize != HiddenSize || cp.OutputSize != OutputSize {
		return nil, fmt.Errorf("checkpoint dimensions %dx%dx%d incompatible with %dx%dx%d",
			cp.InputSize, cp.HiddenSize, cp.OutputSize, InputSize, HiddenSize, OutputSize)
	}
	if len(cp.W1) != HiddenSize*InputSize || len(cp.B1) != HiddenSize ||
		len(cp.W2) != OutputSize*HiddenSize || len(cp.B2) != OutputSize {
		return nil, fmt.Errorf("checkpoint payload sizes inconsistent")
	}

	return &Network{
		w1: mat.NewDense(HiddenSize, InputSize, cp.W1),
		b1: mat.NewVecDense(HiddenSize, cp.B1),
		w2: mat.NewDense(OutputSize, HiddenSize, cp.W2),
		b2: mat.NewVecDense(OutputSize, cp.B2),
	}, nil
}

// softmax converts logits to a probability vector, shifted for stability.
func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}

	out := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// crossEntropy computes -Σ t·log(p) with a floor to avoid log(0).
func crossEntropy(probs, target []float64) float64 {
	const eps = 1e-12
	loss := 0.0
	for i := range probs {
		loss -= target[i] * math.Log(math.Max(probs[i], eps))
	}
	return loss
}
