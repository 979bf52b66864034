// Command fedsim runs a federated-averaging simulation over a directory of
// per-client CSV files. Every file is one client; every client is validated
// against the first client's element signature before training starts, so a
// malformed client file fails fast instead of corrupting a round.
//
// Example:
//
//	fedsim -data ./clients -labels y -rounds 20 -clients-per-round 4 -out plots
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/aliceyiwang/federated/clientdata"
	"github.com/aliceyiwang/federated/fedavg"
	"github.com/aliceyiwang/federated/records"
	"github.com/aliceyiwang/federated/simulation"
)

func main() {
	dataDir := flag.String("data", "", "directory of per-client CSV files (one file per client)")
	labelCols := flag.String("labels", "", "comma-separated label column names; remaining columns are features")
	rounds := flag.Int("rounds", 10, "number of federated rounds to run")
	clientsPerRound := flag.Int("clients-per-round", 2, "number of clients sampled per round")
	localEpochs := flag.Int("local-epochs", 1, "local SGD epochs per client per round")
	batchSize := flag.Int("batch-size", 8, "local mini-batch size")
	learningRate := flag.Float64("lr", 0.001, "local SGD learning rate")
	hidden := flag.Int("hidden", 64, "hidden layer size of the MLP")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed for sampling and weight init")
	workers := flag.Int("workers", 0, "concurrent client trainers per round (0 = NumCPU)")
	outDir := flag.String("out", "plots", "output directory for the loss-curve plot")
	validateOnly := flag.Bool("validate-only", false, "only validate every client against the reference signature, then exit")
	flag.Parse()

	if *dataDir == "" {
		log.Fatal("missing required -data directory")
	}
	labels := splitColumns(*labelCols)
	if len(labels) == 0 && !*validateOnly {
		log.Fatal("training needs at least one -labels column")
	}

	cd, err := records.ClientDataFromDirWithLabels(*dataDir, labels)
	if err != nil {
		log.Fatalf("failed to open client data at %s: %v", *dataDir, err)
	}
	log.Printf("Loaded %d clients from %s, element spec %s", len(cd.ClientIDs()), *dataDir, cd.ElementSpec())

	if err := validateClients(cd); err != nil {
		log.Fatalf("client validation failed: %v", err)
	}
	log.Printf("All clients match the reference signature")
	if *validateOnly {
		return
	}

	// Feature and label widths come from the validated reference signature.
	shapes := cd.ElementShapes()
	inputDim := shapes[0][len(shapes[0])-1]
	outputDim := shapes[1][len(shapes[1])-1]

	global, err := fedavg.NewModel(fedavg.Config{
		HiddenSizes:  []int{*hidden},
		InputDim:     inputDim,
		OutputDim:    outputDim,
		LearningRate: *learningRate,
		LocalEpochs:  *localEpochs,
		BatchSize:    *batchSize,
		Seed:         *seed,
	})
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}
	fedavg.Workers = *workers

	runner := &simulation.Runner{
		Sampler:         simulation.NewSampler(cd, *seed),
		ClientsPerRound: *clientsPerRound,
		Rounds:          *rounds,
	}
	stats, err := runner.Run(func(round int, clientIDs []string) (float64, error) {
		res, err := fedavg.Round(cd, clientIDs, global)
		if err != nil {
			return 0, err
		}
		log.Printf("round %d: clients=%v examples=%d loss=%.6f", round, clientIDs, res.Examples, res.Loss)
		return res.Loss, nil
	})
	if err != nil {
		log.Fatalf("simulation failed: %v", err)
	}

	if err := plotLoss(*outDir, stats); err != nil {
		log.Fatalf("failed to plot loss curve: %v", err)
	}
	log.Printf("Wrote loss curve to %s", filepath.Join(*outDir, "loss.png"))
}

func splitColumns(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// validateClients retrieves every client's dataset once, which runs the
// signature check against the reference captured from the first client.
func validateClients(cd clientdata.ClientData) error {
	for _, id := range cd.ClientIDs() {
		if _, err := cd.DatasetForClient(id); err != nil {
			return err
		}
	}
	return nil
}

// plotLoss writes a PNG of training loss per round to outDir/loss.png.
func plotLoss(outDir string, stats []simulation.RoundStats) error {
	p := plot.New()
	p.Title.Text = "Federated training loss"
	p.X.Label.Text = "round"
	p.Y.Label.Text = "loss"

	xys := make(plotter.XYs, 0, len(stats))
	for _, s := range stats {
		xys = append(xys, plotter.XY{X: float64(s.Round), Y: s.Loss})
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1.2)
	p.Add(line, plotter.NewGrid())

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, "loss.png"))
}
