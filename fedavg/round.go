package fedavg

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/aliceyiwang/federated/clientdata"
)

// Dataset is the minimal interface local training needs from a client's
// dataset. Using a small interface here keeps fedavg decoupled from the
// concrete records types; records.CSVDataset matches these methods.
type Dataset interface {
	// Len returns the number of examples in the dataset.
	Len() int

	// Batch returns inputs and labels for the provided example indices.
	Batch(indices []int) ([][]float32, [][]float32, error)
}

// RoundResult reports one federated round.
type RoundResult struct {
	// ClientIDs that participated in the round.
	ClientIDs []string

	// Examples is the total number of training examples across participants.
	Examples int

	// Loss is the example-weighted mean training loss over the round.
	Loss float64
}

// Workers bounds the number of clients trained concurrently within a round.
// Zero means runtime.NumCPU().
var Workers = 0

// Round trains one federated-averaging round: every client in clientIDs
// trains a clone of global on its own dataset, then global is replaced by the
// example-count-weighted average of the trained clones. Clients are trained
// concurrently; the ClientData itself is safe to share because retrieval is
// stateless.
//
// Each client's dataset must implement the fedavg Dataset interface on top of
// the clientdata contract; datasets that cannot batch by index are rejected.
func Round(cd clientdata.ClientData, clientIDs []string, global *Model) (*RoundResult, error) {
	if len(clientIDs) == 0 {
		return nil, errors.New("round needs at least one client")
	}

	// Clones are made serially: Clone draws the child seed from the parent
	// RNG, which must not happen concurrently.
	locals := make([]*Model, len(clientIDs))
	for k := range clientIDs {
		locals[k] = global.Clone()
	}
	counts := make([]float64, len(clientIDs))
	losses := make([]float64, len(clientIDs))
	errs := make([]error, len(clientIDs))

	workers := Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(clientIDs) {
		workers = len(clientIDs)
	}

	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range jobs {
				counts[k], losses[k], errs[k] = trainClient(cd, clientIDs[k], locals[k])
			}
		}()
	}
	for k := range clientIDs {
		jobs <- k
	}
	close(jobs)
	wg.Wait()

	for k, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "client %q", clientIDs[k])
		}
	}

	if err := global.Average(locals, counts); err != nil {
		return nil, err
	}

	res := &RoundResult{ClientIDs: append([]string(nil), clientIDs...)}
	var lossSum float64
	for k := range clientIDs {
		res.Examples += int(counts[k])
		lossSum += losses[k] * counts[k]
	}
	if res.Examples > 0 {
		res.Loss = lossSum / float64(res.Examples)
	}
	return res, nil
}

func trainClient(cd clientdata.ClientData, clientID string, local *Model) (float64, float64, error) {
	ds, err := cd.DatasetForClient(clientID)
	if err != nil {
		return 0, 0, err
	}
	batched, ok := ds.(Dataset)
	if !ok {
		return 0, 0, errors.Errorf("dataset %q does not support indexed batching", ds.Name())
	}
	loss, err := local.TrainLocal(batched)
	if err != nil {
		return 0, 0, err
	}
	return float64(batched.Len()), loss, nil
}
