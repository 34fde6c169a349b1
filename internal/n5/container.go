package n5

import (
	"strings"

	"github.com/n5stream/n5stream/pkg/errors"
)

// HDF5Resolver maps a dataset path inside an HDF5 file to a root the reader
// can open, typically an N5 export of that file.
type HDF5Resolver interface {
	Resolve(container, inner string) (string, error)
}

// HDF5ResolverFunc adapts a function to HDF5Resolver.
type HDF5ResolverFunc func(container, inner string) (string, error)

// Resolve implements HDF5Resolver.
func (f HDF5ResolverFunc) Resolve(container, inner string) (string, error) {
	return f(container, inner)
}

// ErrUnsupportedContainer matches the error returned for HDF5 roots when no
// resolver is set.
var ErrUnsupportedContainer = errors.NewError(errors.ErrCodeUnsupportedContainer, "HDF5 containers need a resolver").
	WithComponent("n5").
	WithRetryable(false)

var hdf5Extensions = []string{".h5", ".hdf5"}

// ResolveContainerPath returns root unchanged unless one of its segments
// names an HDF5 file. In that case the file path and the remainder are
// handed to resolver.
func ResolveContainerPath(root string, resolver HDF5Resolver) (string, error) {
	container, inner, ok := splitHDF5(root)
	if !ok {
		return root, nil
	}
	if resolver == nil {
		return "", errors.NewError(errors.ErrCodeUnsupportedContainer, "HDF5 containers need a resolver").
			WithComponent("n5").
			WithContext("root", root)
	}

	resolved, err := resolver.Resolve(container, inner)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeUnsupportedContainer, "HDF5 path did not resolve").
			WithComponent("n5").
			WithContext("root", root)
	}
	return resolved, nil
}

func splitHDF5(root string) (container, inner string, ok bool) {
	segs := strings.Split(root, "/")
	for i, seg := range segs {
		lower := strings.ToLower(seg)
		for _, ext := range hdf5Extensions {
			if strings.HasSuffix(lower, ext) {
				return strings.Join(segs[:i+1], "/"), strings.Join(segs[i+1:], "/"), true
			}
		}
	}
	return "", "", false
}
