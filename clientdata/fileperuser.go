package clientdata

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FilePerUser is a ClientData that maps one data source per client, typically
// one file per user, to that client's training dataset. It stores the client
// IDs and a builder function; at construction it builds the first client's
// dataset once to capture the reference element spec, and every later
// retrieval validates the freshly built dataset against that reference.
type FilePerUser struct {
	clientIDs []string
	build     BuildFunc
	spec      *ElementSpec
}

var _ ClientData = (*FilePerUser)(nil)

// NewFilePerUser constructs a FilePerUser over clientIDs and build.
//
// clientIDs must contain at least one ID and build must not be nil, otherwise
// ErrInvalidArgument is returned. The probe of the first client's dataset
// happens here; if build fails for it, that error is returned unchanged.
func NewFilePerUser(clientIDs []string, build BuildFunc) (*FilePerUser, error) {
	if len(clientIDs) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "clientIDs must have at least one client ID")
	}
	if build == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "build must not be nil")
	}
	ids := append([]string(nil), clientIDs...)

	probe, err := build(ids[0])
	if err != nil {
		return nil, err
	}
	spec := probe.ElementSpec()
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrapf(err, "probe dataset for client %q", ids[0])
	}

	return &FilePerUser{clientIDs: ids, build: build, spec: spec}, nil
}

// ClientIDs returns a copy of the client IDs in construction order.
func (c *FilePerUser) ClientIDs() []string {
	return append([]string(nil), c.clientIDs...)
}

// ElementSpec returns the reference element signature captured from the first
// client's dataset at construction.
func (c *FilePerUser) ElementSpec() *ElementSpec {
	return c.spec
}

// ElementDTypes returns the element-type tags of the reference signature in
// leaf traversal order.
func (c *FilePerUser) ElementDTypes() []dtypes.DType {
	return c.spec.DTypes()
}

// ElementShapes returns the shapes of the reference signature in leaf
// traversal order.
func (c *FilePerUser) ElementShapes() [][]int {
	return c.spec.Shapes()
}

// DatasetForClient builds the dataset for clientID and validates its element
// spec against the reference, returning a StructureMismatchError or
// SpecMismatchError on disagreement. The builder is re-invoked on every call;
// nothing is cached.
//
// clientID is not required to be a member of ClientIDs: any ID the builder
// accepts is served.
func (c *FilePerUser) DatasetForClient(clientID string) (Dataset, error) {
	ds, err := c.build(clientID)
	if err != nil {
		return nil, err
	}
	if err := CheckElementSpec(c.spec, ds.ElementSpec(), clientID); err != nil {
		return nil, err
	}
	return ds, nil
}

// FromDirectory builds a FilePerUser from the immediate entries of dir. Each
// entry name becomes a client ID whose dataset is produced by handing the
// entry's full path to build. dir is not searched recursively.
//
// Directory-listing errors are returned unchanged, so callers can test them
// with errors.Is against the fs sentinel errors. An empty directory fails
// with ErrInvalidArgument via the non-empty client list invariant.
func FromDirectory(dir string, build FileBuildFunc) (*FilePerUser, error) {
	if build == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "build must not be nil")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	paths := make(map[string]string, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.Name())
		paths[entry.Name()] = filepath.Join(dir, entry.Name())
	}

	return NewFilePerUser(ids, func(clientID string) (Dataset, error) {
		path, ok := paths[clientID]
		if !ok {
			return nil, errors.Errorf("no file for client %q under %s", clientID, dir)
		}
		return build(path)
	})
}
