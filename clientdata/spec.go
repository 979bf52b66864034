package clientdata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DimUnknown marks a dimension whose size is not statically known, such as
// the batch dimension of a dataset that yields variable-sized batches.
// Unknown dimensions compare equal against any size.
const DimUnknown = -1

// TensorSpec is a leaf of an element signature: the element type and shape of
// one tensor component of a dataset element.
type TensorSpec struct {
	DType dtypes.DType
	Dims  []int
}

func (t *TensorSpec) String() string {
	if t == nil {
		return "<nil>"
	}
	dims := make([]string, len(t.Dims))
	for i, d := range t.Dims {
		if d == DimUnknown {
			dims[i] = "?"
		} else {
			dims[i] = strconv.Itoa(d)
		}
	}
	return fmt.Sprintf("%s[%s]", t.DType, strings.Join(dims, ","))
}

// equal reports whether two leaves agree: same element type, same rank, same
// concrete dimensions. An unknown dimension on either side matches anything.
func (t *TensorSpec) equal(o *TensorSpec) bool {
	if t.DType != o.DType || len(t.Dims) != len(o.Dims) {
		return false
	}
	for i, d := range t.Dims {
		if d == DimUnknown || o.Dims[i] == DimUnknown {
			continue
		}
		if d != o.Dims[i] {
			return false
		}
	}
	return true
}

// ElementSpec describes the structure of one dataset element as a tree that
// mirrors the nesting of the element itself. Exactly one of the three fields
// is set: Tensor for a leaf, Tuple for a positional container, Fields for a
// named container. Fields are traversed in sorted key order so flattening is
// deterministic.
type ElementSpec struct {
	Tensor *TensorSpec
	Tuple  []*ElementSpec
	Fields map[string]*ElementSpec
}

// TensorElement returns a leaf spec with the given element type and shape.
func TensorElement(dtype dtypes.DType, dims ...int) *ElementSpec {
	return &ElementSpec{Tensor: &TensorSpec{DType: dtype, Dims: dims}}
}

// TupleElement returns a positional container spec over elems.
func TupleElement(elems ...*ElementSpec) *ElementSpec {
	return &ElementSpec{Tuple: elems}
}

// StructElement returns a named container spec over fields.
func StructElement(fields map[string]*ElementSpec) *ElementSpec {
	return &ElementSpec{Fields: fields}
}

// Validate checks that the tree is well formed: every node sets exactly one
// of Tensor, Tuple or Fields, and containers are non-empty.
func (s *ElementSpec) Validate() error {
	if s == nil {
		return errors.Wrap(ErrInvalidArgument, "element spec must not be nil")
	}
	set := 0
	if s.Tensor != nil {
		set++
	}
	if s.Tuple != nil {
		set++
	}
	if s.Fields != nil {
		set++
	}
	if set != 1 {
		return errors.Wrapf(ErrInvalidArgument, "element spec node must set exactly one of Tensor, Tuple or Fields, got %d", set)
	}
	for _, e := range s.Tuple {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	for k, e := range s.Fields {
		if err := e.Validate(); err != nil {
			return errors.Wrapf(err, "field %q", k)
		}
	}
	if s.Tuple != nil && len(s.Tuple) == 0 {
		return errors.Wrap(ErrInvalidArgument, "tuple element spec must not be empty")
	}
	if s.Fields != nil && len(s.Fields) == 0 {
		return errors.Wrap(ErrInvalidArgument, "struct element spec must not be empty")
	}
	return nil
}

func (s *ElementSpec) String() string {
	switch {
	case s == nil:
		return "<nil>"
	case s.Tensor != nil:
		return s.Tensor.String()
	case s.Tuple != nil:
		parts := make([]string, len(s.Tuple))
		for i, e := range s.Tuple {
			parts[i] = e.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	default:
		keys := s.sortedFieldKeys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + s.Fields[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
}

func (s *ElementSpec) sortedFieldKeys() []string {
	keys := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flatten returns the leaves of the tree in depth-first, left-to-right order.
// Named fields are visited in sorted key order.
func (s *ElementSpec) Flatten() []*TensorSpec {
	var out []*TensorSpec
	s.appendLeaves(&out)
	return out
}

func (s *ElementSpec) appendLeaves(out *[]*TensorSpec) {
	switch {
	case s.Tensor != nil:
		*out = append(*out, s.Tensor)
	case s.Tuple != nil:
		for _, e := range s.Tuple {
			e.appendLeaves(out)
		}
	default:
		for _, k := range s.sortedFieldKeys() {
			s.Fields[k].appendLeaves(out)
		}
	}
}

// DTypes returns the element-type tag of every leaf in traversal order.
func (s *ElementSpec) DTypes() []dtypes.DType {
	leaves := s.Flatten()
	out := make([]dtypes.DType, len(leaves))
	for i, l := range leaves {
		out[i] = l.DType
	}
	return out
}

// Shapes returns the dimensions of every leaf in traversal order.
func (s *ElementSpec) Shapes() [][]int {
	leaves := s.Flatten()
	out := make([][]int, len(leaves))
	for i, l := range leaves {
		out[i] = append([]int(nil), l.Dims...)
	}
	return out
}

// sameStructure reports whether a and b have identical nesting: the same
// container kind, arity and field names at every position. Leaf values are
// not compared.
func sameStructure(a, b *ElementSpec) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch {
	case a.Tensor != nil:
		return b.Tensor != nil
	case a.Tuple != nil:
		if b.Tuple == nil || len(a.Tuple) != len(b.Tuple) {
			return false
		}
		for i := range a.Tuple {
			if !sameStructure(a.Tuple[i], b.Tuple[i]) {
				return false
			}
		}
		return true
	default:
		if b.Fields == nil || len(a.Fields) != len(b.Fields) {
			return false
		}
		for k, av := range a.Fields {
			bv, ok := b.Fields[k]
			if !ok || !sameStructure(av, bv) {
				return false
			}
		}
		return true
	}
}

// StructureMismatchError reports a dataset whose element tree does not have
// the same nesting structure as the reference spec.
type StructureMismatchError struct {
	ClientID string
	Want     *ElementSpec
	Got      *ElementSpec
}

func (e *StructureMismatchError) Error() string {
	return fmt.Sprintf("element structure %s does not match %s for client with id [%s]",
		e.Got, e.Want, e.ClientID)
}

// SpecMismatchError reports the first leaf, in traversal order, whose element
// type or concrete shape differs from the reference.
type SpecMismatchError struct {
	ClientID string
	Want     *TensorSpec
	Got      *TensorSpec
}

func (e *SpecMismatchError) Error() string {
	return fmt.Sprintf("%s != %s for client with id [%s]", e.Got, e.Want, e.ClientID)
}

// CheckElementSpec compares a candidate element spec against the reference.
// Structure is checked first; then leaves are compared pairwise in traversal
// order, stopping at the first mismatch. clientID only labels the error.
func CheckElementSpec(want, got *ElementSpec, clientID string) error {
	if !sameStructure(want, got) {
		return &StructureMismatchError{ClientID: clientID, Want: want, Got: got}
	}
	wantLeaves := want.Flatten()
	gotLeaves := got.Flatten()
	for i, w := range wantLeaves {
		if !w.equal(gotLeaves[i]) {
			return &SpecMismatchError{ClientID: clientID, Want: w, Got: gotLeaves[i]}
		}
	}
	return nil
}
