// Package clientdata maps per-client data sources onto the datasets consumed
// by federated-learning simulations.
//
// A ClientData holds a fixed set of client identifiers and can produce, on
// demand, the training dataset belonging to any one client. The FilePerUser
// implementation backs each client with a user-supplied builder function
// (typically one file per user, see FromDirectory) and validates that every
// client's dataset carries the same element signature as a reference client,
// so a simulation never silently mixes incompatible schemas.
package clientdata

import (
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// ErrInvalidArgument reports malformed constructor input, such as an empty
// client ID list or a nil builder. Test with errors.Is.
var ErrInvalidArgument = errors.New("invalid argument")

// Dataset is the contract this package requires from per-client datasets: the
// gomlx train.Dataset surface for consumption by training loops, plus the
// element signature used for cross-client validation.
type Dataset interface {
	train.Dataset

	// ElementSpec describes the structure of the elements the dataset yields.
	ElementSpec() *ElementSpec
}

// BuildFunc produces the dataset for a single client. The adapter re-invokes
// it on every retrieval and never caches the result; implementations remain
// free to cache internally.
type BuildFunc func(clientID string) (Dataset, error)

// FileBuildFunc produces a dataset from the file backing one client.
type FileBuildFunc func(path string) (Dataset, error)

// ClientData provides per-client datasets for a federated-learning
// simulation.
type ClientData interface {
	// ClientIDs lists the participating clients in construction order.
	ClientIDs() []string

	// DatasetForClient produces the dataset for one client, validated
	// against the reference element spec.
	DatasetForClient(clientID string) (Dataset, error)

	// ElementSpec is the reference element signature shared by every
	// client's dataset.
	ElementSpec() *ElementSpec
}
