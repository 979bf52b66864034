package fedavg

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/aliceyiwang/federated/clientdata"
)

// memDataset is an in-memory dataset for tests, implementing both the
// clientdata contract and the fedavg batching interface.
type memDataset struct {
	name   string
	inputs [][]float32
	labels [][]float32
}

func (d *memDataset) Name() string { return d.name }

func (d *memDataset) Reset() {}

func (d *memDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	return nil, nil, nil, io.EOF
}

func (d *memDataset) ElementSpec() *clientdata.ElementSpec {
	return clientdata.TupleElement(
		clientdata.TensorElement(dtypes.Float32, clientdata.DimUnknown, len(d.inputs[0])),
		clientdata.TensorElement(dtypes.Float32, clientdata.DimUnknown, len(d.labels[0])),
	)
}

func (d *memDataset) Len() int { return len(d.inputs) }

func (d *memDataset) Batch(indices []int) ([][]float32, [][]float32, error) {
	ins := make([][]float32, len(indices))
	labs := make([][]float32, len(indices))
	for i, idx := range indices {
		ins[i] = d.inputs[idx]
		labs[i] = d.labels[idx]
	}
	return ins, labs, nil
}

// linearDataset builds n examples of the target y = 2*x0 + 1.
func linearDataset(name string, n int, offset float32) *memDataset {
	d := &memDataset{name: name}
	for i := 0; i < n; i++ {
		x := offset + float32(i)*0.1
		d.inputs = append(d.inputs, []float32{x})
		d.labels = append(d.labels, []float32{2*x + 1})
	}
	return d
}

func testConfig() Config {
	return Config{
		HiddenSizes:  []int{8},
		InputDim:     1,
		OutputDim:    1,
		LearningRate: 0.01,
		LocalEpochs:  5,
		BatchSize:    4,
		Seed:         42,
	}
}

func evalLoss(t *testing.T, m *Model, ds *memDataset) float64 {
	t.Helper()
	preds, err := m.PredictBatch(ds.inputs)
	if err != nil {
		t.Fatalf("PredictBatch failed: %v", err)
	}
	var loss float64
	for i, p := range preds {
		diff := float64(p[0] - ds.labels[i][0])
		loss += diff * diff
	}
	return loss / float64(len(preds))
}

func TestTrainLocalReducesLoss(t *testing.T) {
	ds := linearDataset("local", 64, 0)
	m, err := NewModel(testConfig())
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	before := evalLoss(t, m, ds)
	if _, err := m.TrainLocal(ds); err != nil {
		t.Fatalf("TrainLocal failed: %v", err)
	}
	after := evalLoss(t, m, ds)

	if after >= before {
		t.Fatalf("training should reduce loss, before=%v after=%v", before, after)
	}
}

func TestTrainLocalDeterministic(t *testing.T) {
	ds := linearDataset("local", 32, 0)

	run := func() float64 {
		m, err := NewModel(testConfig())
		if err != nil {
			t.Fatalf("NewModel failed: %v", err)
		}
		loss, err := m.TrainLocal(ds)
		if err != nil {
			t.Fatalf("TrainLocal failed: %v", err)
		}
		return loss
	}

	if a, b := run(), run(); a != b {
		t.Fatalf("same seed should give identical training, got %v vs %v", a, b)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m, err := NewModel(testConfig())
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	c := m.Clone()

	before := m.weights[0][0][0]
	c.weights[0][0][0] += 10
	if m.weights[0][0][0] != before {
		t.Fatal("mutating a clone must not touch the parent")
	}
}

func TestAverageWeighted(t *testing.T) {
	m, err := NewModel(testConfig())
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	a := m.Clone()
	b := m.Clone()

	// Force known parameter values on one coordinate.
	a.weights[0][0][0] = 1
	b.weights[0][0][0] = 4
	a.biases[0][0] = 2
	b.biases[0][0] = 8

	if err := m.Average([]*Model{a, b}, []float64{3, 1}); err != nil {
		t.Fatalf("Average failed: %v", err)
	}
	// (3*1 + 1*4) / 4 = 1.75
	if got := m.weights[0][0][0]; got != 1.75 {
		t.Fatalf("weighted average wrong: got %v, want 1.75", got)
	}
	// (3*2 + 1*8) / 4 = 3.5
	if got := m.biases[0][0]; got != 3.5 {
		t.Fatalf("weighted bias average wrong: got %v, want 3.5", got)
	}
}

func TestAverageRejectsBadInput(t *testing.T) {
	m, err := NewModel(testConfig())
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	if err := m.Average(nil, nil); err == nil {
		t.Fatal("empty model list should error")
	}
	if err := m.Average([]*Model{m.Clone()}, []float64{0}); err == nil {
		t.Fatal("zero total weight should error")
	}
	other, err := NewModel(Config{HiddenSizes: []int{3}, InputDim: 2, OutputDim: 1, Seed: 1})
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	if err := m.Average([]*Model{other}, []float64{1}); err == nil {
		t.Fatal("architecture mismatch should error")
	}
}

// fakeClientData serves memDatasets by client ID.
type fakeClientData struct {
	ids  []string
	data map[string]*memDataset
}

func (f *fakeClientData) ClientIDs() []string { return f.ids }

func (f *fakeClientData) ElementSpec() *clientdata.ElementSpec {
	return f.data[f.ids[0]].ElementSpec()
}

func (f *fakeClientData) DatasetForClient(id string) (clientdata.Dataset, error) {
	return f.data[id], nil
}

func TestRound(t *testing.T) {
	cd := &fakeClientData{
		ids: []string{"u1", "u2"},
		data: map[string]*memDataset{
			"u1": linearDataset("u1", 20, 0),
			"u2": linearDataset("u2", 40, 1),
		},
	}

	global, err := NewModel(testConfig())
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	combined := &memDataset{}
	for _, ds := range cd.data {
		combined.inputs = append(combined.inputs, ds.inputs...)
		combined.labels = append(combined.labels, ds.labels...)
	}
	before := evalLoss(t, global, combined)

	res, err := Round(cd, []string{"u1", "u2"}, global)
	if err != nil {
		t.Fatalf("Round failed: %v", err)
	}
	if res.Examples != 60 {
		t.Fatalf("expected 60 examples across the round, got %d", res.Examples)
	}
	if len(res.ClientIDs) != 2 {
		t.Fatalf("unexpected participants: %v", res.ClientIDs)
	}

	after := evalLoss(t, global, combined)
	if after >= before {
		t.Fatalf("a round should reduce global loss, before=%v after=%v", before, after)
	}
}

func TestRoundNoClients(t *testing.T) {
	global, err := NewModel(testConfig())
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	if _, err := Round(&fakeClientData{}, nil, global); err == nil {
		t.Fatal("empty client list should error")
	}
}
