package channel

import (
	"context"
	stderr "errors"

	"github.com/n5stream/n5stream/internal/storage"
	"github.com/n5stream/n5stream/pkg/errors"
)

// ReadSidecar fetches <prefix>/<dataset>/metadata.txt through a read-only
// session.
func ReadSidecar(ctx context.Context, ch *Channel, loc storage.Location, dataset string) (data []byte, err error) {
	if !loc.Remote {
		return nil, errors.NewError(errors.ErrCodePathInvalid, "sidecar fetch needs a remote location").
			WithComponent("channel").
			WithContext("root", loc.String())
	}

	session := ch.Open(ctx, loc.Bucket, loc.SidecarKey(dataset), true)
	defer func() {
		err = stderr.Join(err, session.Close())
	}()
	return session.ReadAll(ctx)
}

// WriteSidecar uploads data as the dataset's metadata.txt through a writable
// session. The put happens when the session closes.
func WriteSidecar(ctx context.Context, ch *Channel, loc storage.Location, dataset string, data []byte) error {
	if !loc.Remote {
		return errors.NewError(errors.ErrCodePathInvalid, "sidecar upload needs a remote location").
			WithComponent("channel").
			WithContext("root", loc.String())
	}

	session := ch.Open(ctx, loc.Bucket, loc.SidecarKey(dataset), false)
	w, err := session.NewWriter(ctx)
	if err != nil {
		return stderr.Join(err, session.Close())
	}
	if _, err := w.Write(data); err != nil {
		return stderr.Join(err, session.Close())
	}
	return session.Close()
}
