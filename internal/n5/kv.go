package n5

import (
	"context"
	stderr "errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/n5stream/n5stream/internal/channel"
	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/pkg/errors"
	"github.com/n5stream/n5stream/pkg/utils"
)

// KV is the key/value view of a container. Keys are slash separated and
// relative to the container root. A missing key is reported with an error
// for which storage.IsNotFound is true.
type KV interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	String() string
}

// FileKV reads a container from the local filesystem.
type FileKV struct {
	root string
}

// NewFileKV checks that root is a directory.
func NewFileKV(root string) (*FileKV, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePathInvalid, "container root is not reachable").
			WithComponent("n5").
			WithContext("root", root)
	}
	if !info.IsDir() {
		return nil, errors.NewError(errors.ErrCodePathInvalid, "container root is not a directory").
			WithComponent("n5").
			WithContext("root", root)
	}
	return &FileKV{root: root}, nil
}

// Open implements KV.
func (f *FileKV) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := utils.SecureJoin(f.root, filepath.FromSlash(key))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePathInvalid, "key escapes container root").
			WithComponent("n5").
			WithContext("key", key)
	}
	file, err := os.Open(p)
	if stderr.Is(err, fs.ErrNotExist) {
		return nil, storage.NotFound("n5", "", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "open failed").
			WithComponent("n5").
			WithContext("key", key)
	}
	return file, nil
}

func (f *FileKV) String() string { return f.root }

// ObjectKV reads a container from an object store. Every read goes through
// its own read-only channel session, so the connection is drained and
// released when the caller closes the returned reader.
type ObjectKV struct {
	ch  *channel.Channel
	loc storage.Location
}

// NewObjectKV binds ch to the bucket and prefix in loc.
func NewObjectKV(ch *channel.Channel, loc storage.Location) *ObjectKV {
	return &ObjectKV{ch: ch, loc: loc}
}

// Open implements KV.
func (o *ObjectKV) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	session := o.ch.Open(ctx, o.loc.Bucket, o.loc.Key(key), true)
	r, err := session.NewInputStream(ctx)
	if err != nil {
		return nil, stderr.Join(err, session.Close())
	}
	return &sessionReader{DrainReader: r, session: session}, nil
}

func (o *ObjectKV) String() string { return o.loc.String() }

type sessionReader struct {
	*channel.DrainReader
	session *channel.Session
}

// Close closes the session, which drains and closes the stream.
func (s *sessionReader) Close() error {
	return s.session.Close()
}

// readAll reads a whole key.
func readAll(ctx context.Context, kv KV, key string) (data []byte, err error) {
	r, err := kv.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = stderr.Join(err, r.Close())
	}()
	return io.ReadAll(r)
}
