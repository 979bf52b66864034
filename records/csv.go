// Package records provides file-backed per-client datasets for the
// clientdata adapter. Each supported format maps one file to one client's
// lazily-loaded dataset: the file is scanned for its layout when opened, and
// rows are read only when examples are requested.
package records

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/aliceyiwang/federated/clientdata"
)

// CSVDataset serves the rows of a single CSV file as float32 examples. The
// column layout is learned from the header when the dataset is opened; every
// column not named in the label set is a feature. Rows are loaded on demand,
// so opening a dataset stays cheap regardless of file size.
type CSVDataset struct {
	// Path of the backing CSV file.
	Path string

	// BatchSize used by Yield. Defaults to 32.
	BatchSize int

	featureCols []string
	labelCols   []string
	colIndex    map[string]int
	numRows     int

	// cursor is the next row Yield will serve.
	cursor int
}

var _ clientdata.Dataset = (*CSVDataset)(nil)

// OpenCSV opens path as a client dataset treating every column as a float32
// feature. It is the default per-file constructor used by ClientDataFromDir.
func OpenCSV(path string) (*CSVDataset, error) {
	return OpenCSVWithLabels(path, nil)
}

// OpenCSVWithLabels opens path with the named columns served as labels and
// every remaining column served as a feature. Column names are matched
// case-insensitively against the header.
func OpenCSVWithLabels(path string, labelCols []string) (*CSVDataset, error) {
	d := &CSVDataset{Path: path, BatchSize: 32}
	if err := d.initializeColumns(labelCols); err != nil {
		return nil, err
	}
	n, err := countRows(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count rows in %s", path)
	}
	d.numRows = n
	return d, nil
}

// initializeColumns reads the header to determine column indices and the
// feature/label split.
func (d *CSVDataset) initializeColumns(labelCols []string) error {
	file, err := os.Open(d.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to open CSV %s", d.Path)
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return errors.Wrapf(err, "failed to read header of %s", d.Path)
	}

	d.colIndex = make(map[string]int, len(header))
	normalized := make([]string, len(header))
	for i, col := range header {
		name := strings.TrimSpace(strings.ToLower(col))
		normalized[i] = name
		d.colIndex[name] = i
	}

	isLabel := make(map[string]bool, len(labelCols))
	for _, col := range labelCols {
		name := strings.TrimSpace(strings.ToLower(col))
		if _, ok := d.colIndex[name]; !ok {
			return errors.Errorf("label column %q not found in %s", col, d.Path)
		}
		isLabel[name] = true
		d.labelCols = append(d.labelCols, name)
	}

	// Features keep header order.
	for _, name := range normalized {
		if !isLabel[name] {
			d.featureCols = append(d.featureCols, name)
		}
	}
	if len(d.featureCols) == 0 {
		return errors.Errorf("no feature columns left in %s", d.Path)
	}
	return nil
}

// Len returns the number of examples (data rows) in the file.
func (d *CSVDataset) Len() int {
	return d.numRows
}

// Example reads the single example at row idx.
func (d *CSVDataset) Example(idx int) (inputs []float32, labels []float32, err error) {
	if idx < 0 || idx >= d.numRows {
		return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, d.numRows)
	}
	ins, labs, err := d.Batch([]int{idx})
	if err != nil {
		return nil, nil, err
	}
	return ins[0], labs[0], nil
}

// Batch reads the examples at the given row indices in a single pass over the
// file.
func (d *CSVDataset) Batch(indices []int) ([][]float32, [][]float32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([][]float32, len(indices))

	// Map row index to the batch positions that want it; duplicate indices
	// are allowed.
	wanted := make(map[int][]int, len(indices))
	remaining := 0
	for pos, idx := range indices {
		if idx < 0 || idx >= d.numRows {
			return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, d.numRows)
		}
		wanted[idx] = append(wanted[idx], pos)
		remaining++
	}

	file, err := os.Open(d.Path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open CSV %s", d.Path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read header of %s", d.Path)
	}

	rowIdx := 0
	for remaining > 0 {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read row %d of %s", rowIdx, d.Path)
		}
		if positions, ok := wanted[rowIdx]; ok {
			in, la, err := d.parseRecord(record)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "row %d of %s", rowIdx, d.Path)
			}
			for _, pos := range positions {
				inputs[pos] = append([]float32(nil), in...)
				labels[pos] = append([]float32(nil), la...)
				remaining--
			}
		}
		rowIdx++
	}
	if remaining > 0 {
		return nil, nil, errors.Errorf("%s ended before all requested rows were read", d.Path)
	}
	return inputs, labels, nil
}

func (d *CSVDataset) parseRecord(record []string) (inputs, labels []float32, err error) {
	inputs = make([]float32, len(d.featureCols))
	for i, col := range d.featureCols {
		v, err := parseFloat32(record[d.colIndex[col]])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to parse %s", col)
		}
		inputs[i] = v
	}
	labels = make([]float32, len(d.labelCols))
	for i, col := range d.labelCols {
		v, err := parseFloat32(record[d.colIndex[col]])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to parse %s", col)
		}
		labels[i] = v
	}
	return inputs, labels, nil
}

// ElementSpec describes the batches Yield produces: float32 features of width
// len(featureCols), paired with float32 labels when label columns were
// configured. The batch dimension is unknown because the final batch of a
// file may be short.
func (d *CSVDataset) ElementSpec() *clientdata.ElementSpec {
	features := clientdata.TensorElement(dtypes.Float32, clientdata.DimUnknown, len(d.featureCols))
	if len(d.labelCols) == 0 {
		return features
	}
	labels := clientdata.TensorElement(dtypes.Float32, clientdata.DimUnknown, len(d.labelCols))
	return clientdata.TupleElement(features, labels)
}

// Name implements train.Dataset.
func (d *CSVDataset) Name() string {
	return filepath.Base(d.Path)
}

// Reset implements train.Dataset; the next Yield starts over from row zero.
func (d *CSVDataset) Reset() {
	d.cursor = 0
}

// Yield implements train.Dataset, serving the next BatchSize examples as
// gomlx tensors. Once every row has been served it returns io.EOF until
// Reset is called.
func (d *CSVDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.cursor >= d.numRows {
		return nil, nil, nil, io.EOF
	}
	batch := d.BatchSize
	if batch <= 0 {
		batch = 32
	}
	end := d.cursor + batch
	if end > d.numRows {
		end = d.numRows
	}
	indices := make([]int, end-d.cursor)
	for i := range indices {
		indices[i] = d.cursor + i
	}

	ins, labs, err := d.Batch(indices)
	if err != nil {
		return nil, nil, nil, err
	}
	d.cursor = end

	inputs = []*tensors.Tensor{tensors.FromAnyValue(ins)}
	if len(d.labelCols) > 0 {
		labels = []*tensors.Tensor{tensors.FromAnyValue(labs)}
	}
	return nil, inputs, labels, nil
}

// ClientDataFromDir maps every file in dir to one client, parsing each file
// as CSV with OpenCSV.
func ClientDataFromDir(dir string) (*clientdata.FilePerUser, error) {
	return clientdata.FromDirectory(dir, func(path string) (clientdata.Dataset, error) {
		return OpenCSV(path)
	})
}

// ClientDataFromDirWithLabels is ClientDataFromDir with the named columns of
// every file served as labels.
func ClientDataFromDirWithLabels(dir string, labelCols []string) (*clientdata.FilePerUser, error) {
	return clientdata.FromDirectory(dir, func(path string) (clientdata.Dataset, error) {
		return OpenCSVWithLabels(path, labelCols)
	})
}
