// Package n5 reads N5 containers from a local directory or an object store
// and exposes multiscale datasets as volume sources.
package n5

import (
	"context"
	stderr "errors"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/n5stream/n5stream/internal/channel"
	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/pkg/errors"
	"github.com/n5stream/n5stream/pkg/utils"
)

// MaxMajorVersion is the newest container format major version read.
const MaxMajorVersion = 4

// Options configures Open.
type Options struct {
	// Channel is required for remote roots.
	Channel *channel.Channel
	// HDF5 resolves roots that point into an HDF5 file. Without it such
	// roots fail with ErrUnsupportedContainer.
	HDF5   HDF5Resolver
	Logger *slog.Logger
}

// Reader reads attributes and blocks from one container.
type Reader struct {
	kv      KV
	loc     storage.Location
	version string
	logger  *slog.Logger

	group singleflight.Group
}

// Open opens the container at root. The root may be a local path, a
// file:// URI, an s3:// URI or a virtual-host http(s) URI. An unreachable or
// malformed root is a configuration error.
func Open(ctx context.Context, root string, opts Options) (*Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolved, err := ResolveContainerPath(root, opts.HDF5)
	if err != nil {
		return nil, err
	}
	loc, err := storage.ParseLocation(resolved)
	if err != nil {
		return nil, err
	}

	var kv KV
	if loc.Remote {
		if opts.Channel == nil {
			return nil, errors.NewError(errors.ErrCodeMissingConfig, "remote root needs an object store channel").
				WithComponent("n5").
				WithContext("root", root)
		}
		kv = NewObjectKV(opts.Channel, loc)
	} else {
		fkv, err := NewFileKV(loc.Path)
		if err != nil {
			return nil, err
		}
		kv = fkv
	}

	r := &Reader{
		kv:     kv,
		loc:    loc,
		logger: logger.With("component", "n5", "root", loc.String()),
	}

	attrs, err := r.Attributes(ctx, "")
	switch {
	case storage.IsNotFound(err):
		// Containers are not required to carry root attributes.
	case err != nil:
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "container root is not readable").
			WithComponent("n5").
			WithContext("root", root)
	default:
		if _, err := attrs.Decode("n5", &r.version); err != nil {
			return nil, err
		}
		if err := checkVersion(r.version); err != nil {
			return nil, err
		}
	}

	r.logger.Debug("container opened", "version", r.version)
	return r, nil
}

func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	major, err := strconv.Atoi(strings.SplitN(v, ".", 2)[0])
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFormatInvalid, "malformed container version").
			WithComponent("n5").
			WithContext("version", v)
	}
	if major > MaxMajorVersion {
		return errors.NewError(errors.ErrCodeFormatUnsupported, "container version is too new").
			WithComponent("n5").
			WithContext("version", v)
	}
	return nil
}

// Version returns the container format version, if the root declares one.
func (r *Reader) Version() string { return r.version }

// Location returns the parsed root.
func (r *Reader) Location() storage.Location { return r.loc }

// Attributes reads path/attributes.json. Identical concurrent calls share one
// fetch; results are never cached, so a dataset that grows is seen on the
// next call. The returned map is shared and must not be modified.
func (r *Reader) Attributes(ctx context.Context, path string) (Attributes, error) {
	key := utils.JoinKey(path, AttributesFile)
	v, err, _ := r.group.Do(key, func() (any, error) {
		data, err := readAll(ctx, r.kv, key)
		if err != nil {
			return nil, err
		}
		return parseAttributes(data, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(Attributes), nil
}

// DatasetAttributes reads the array attributes of path.
func (r *Reader) DatasetAttributes(ctx context.Context, path string) (*DatasetAttributes, error) {
	attrs, err := r.Attributes(ctx, path)
	if storage.IsNotFound(err) {
		return nil, errors.Wrap(err, errors.ErrCodeDatasetNotFound, "dataset not found").
			WithComponent("n5").
			WithContext("dataset", path)
	}
	if err != nil {
		return nil, err
	}
	return datasetAttributes(attrs, path)
}

// DatasetExists reports whether path is an array.
func (r *Reader) DatasetExists(ctx context.Context, path string) (bool, error) {
	_, err := r.DatasetAttributes(ctx, path)
	var nerr *errors.N5Error
	if stderr.As(err, &nerr) && nerr.Code == errors.ErrCodeDatasetNotFound {
		return false, nil
	}
	return err == nil, err
}
