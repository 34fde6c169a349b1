/*
Package s3 implements storage.ObjectStore on aws-sdk-go-v2.

A single Store talks to one endpoint and serves any bucket on it. Bodies
returned by GetObject are the SDK's pooled HTTP response bodies; callers must
close them (the channel package drains them first so the connection goes back
to the pool).

# Credentials

Static keys in Config take precedence. Otherwise the SDK default chain is
consulted, and when it produces nothing the client switches to
aws.AnonymousCredentials, which is what public datasets need:

	store, err := s3.New(ctx, s3.FromStorageConfig(cfg.Storage), logger)

# Connection pool

The SDK's buildable HTTP client is sized with PoolSize idle connections per
host. RequestTimeout bounds HEAD and PUT calls end to end and the wait for
response headers on GET; reading a GET body is bounded by the caller.

# Uploads

With EnableCargoShip set, puts go through a per-bucket cargoship transporter,
which switches to multipart above 32MB. An upload that fails is returned as
STORAGE_WRITE and is not repeated through the plain client.

# Errors

SDK errors are mapped onto pkg/errors codes:

	NoSuchKey, NotFound        OBJECT_NOT_FOUND
	NoSuchBucket               BUCKET_NOT_FOUND
	AccessDenied, Forbidden    ACCESS_DENIED
	anything else on a read    STORAGE_READ (retryable)
	anything else on a write   STORAGE_WRITE
*/
package s3
