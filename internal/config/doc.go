/*
Package config loads n5stream configuration from compiled-in defaults, a YAML
file and N5STREAM_* environment variables, in that order of precedence.

# Configuration Structure

	global:      log level and format, optional log file, metrics port
	storage:     provider (aws | minio), region, endpoint, path style, pool size,
	             request timeout, static credentials, cargoship uploads
	channel:     drain timeout, max drain bytes, upload content type
	queue:       fetch workers, fetch rate limit
	cache:       loaded block cache capacity in elements
	network:     read retry policy and circuit breaker
	monitoring:  Prometheus metrics

# Usage Examples

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/n5stream/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

# Environment Variables

	N5STREAM_LOG_LEVEL          DEBUG | INFO | WARN | ERROR
	N5STREAM_LOG_FORMAT         text | json
	N5STREAM_LOG_FILE           path
	N5STREAM_METRICS_PORT       port
	N5STREAM_STORAGE_PROVIDER   aws | minio
	N5STREAM_REGION             region name
	N5STREAM_ENDPOINT           http://host:port
	N5STREAM_PATH_STYLE         true | false
	N5STREAM_USE_SSL            true | false
	N5STREAM_POOL_SIZE          idle connections per host
	N5STREAM_REQUEST_TIMEOUT    duration
	N5STREAM_ACCESS_KEY_ID      static key id
	N5STREAM_SECRET_ACCESS_KEY  static secret
	N5STREAM_SESSION_TOKEN      static session token
	N5STREAM_CARGOSHIP          true | false
	N5STREAM_DRAIN_TIMEOUT      duration
	N5STREAM_MAX_DRAIN_BYTES    size such as 64MB, 0 for unlimited
	N5STREAM_QUEUE_WORKERS      count
	N5STREAM_FETCH_RATE         fetches per second, 0 for unlimited
	N5STREAM_CACHE_MAX_ELEMENTS count

Malformed numeric or duration overrides are collected and reported together
as a CONFIG_LOAD error.
*/
package config
