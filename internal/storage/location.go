package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/n5stream/n5stream/pkg/errors"
	"github.com/n5stream/n5stream/pkg/utils"
)

// Location is a parsed container root.
type Location struct {
	// Remote is false for plain filesystem paths.
	Remote bool
	// Endpoint is scheme://host[:port] for virtual-host URIs, empty for
	// s3:// URIs (the configured endpoint applies).
	Endpoint string
	Bucket   string
	// Prefix is the key prefix inside the bucket, without surrounding slashes.
	Prefix string
	// Path is the local root when Remote is false.
	Path string
}

// ParseLocation parses a container root. Accepted forms:
//
//	/data/exp.n5                        local path
//	file:///data/exp.n5                 local path
//	s3://bucket/prefix                  bucket on the configured endpoint
//	http://bucket.s3.host:9000/prefix   bucket, a label, then the endpoint host
//
// In the virtual-host form the host is split on the first two dots; the first
// part is the bucket and everything after the second dot is the endpoint host.
func ParseLocation(root string) (Location, error) {
	invalid := func(msg string) error {
		return errors.NewError(errors.ErrCodePathInvalid, msg).
			WithComponent("storage").
			WithContext("root", root)
	}

	if root == "" {
		return Location{}, invalid("container root is empty")
	}
	if !strings.Contains(root, "://") {
		return Location{Path: filepath.Clean(root)}, nil
	}

	u, err := url.Parse(root)
	if err != nil {
		return Location{}, errors.Wrap(err, errors.ErrCodePathInvalid, "container root is not a valid URI").
			WithComponent("storage").
			WithContext("root", root)
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return Location{}, invalid("file URI has no path")
		}
		return Location{Path: filepath.Clean(u.Path)}, nil

	case "s3":
		if u.Host == "" {
			return Location{}, invalid("s3 URI has no bucket")
		}
		return Location{Remote: true, Bucket: u.Host, Prefix: utils.JoinKey(u.Path)}, nil

	case "http", "https":
		parts := strings.SplitN(u.Hostname(), ".", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return Location{}, invalid("expected bucket.<label>.<host> in URI host")
		}
		endpoint := u.Scheme + "://" + parts[2]
		if port := u.Port(); port != "" {
			endpoint += ":" + port
		}
		return Location{
			Remote:   true,
			Endpoint: endpoint,
			Bucket:   parts[0],
			Prefix:   utils.JoinKey(u.Path),
		}, nil
	}

	return Location{}, invalid(fmt.Sprintf("unsupported scheme %q", u.Scheme))
}

// Key joins segments under the location prefix.
func (l Location) Key(segments ...string) string {
	return utils.JoinKey(append([]string{l.Prefix}, segments...)...)
}

// SidecarKey is the key of the metadata.txt sidecar for a dataset.
func (l Location) SidecarKey(dataset string) string {
	return l.Key(dataset, "metadata.txt")
}

// String renders the location back as a root string.
func (l Location) String() string {
	if !l.Remote {
		return l.Path
	}
	if l.Endpoint == "" {
		return "s3://" + l.Bucket + "/" + l.Prefix
	}
	return fmt.Sprintf("%s [bucket=%s prefix=%s]", l.Endpoint, l.Bucket, l.Prefix)
}
