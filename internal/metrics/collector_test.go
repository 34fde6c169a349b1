package metrics

import (
	"context"
	stderr "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/n5stream/n5stream/pkg/errors"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Path: "/metrics", Namespace: "n5stream"})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v", err)
		}
		if c.config.Port != 9464 || c.config.Namespace != "n5stream" {
			t.Errorf("unexpected defaults %+v", c.config)
		}
		if c.Registry() == nil {
			t.Error("enabled collector should have a registry")
		}
	})

	t.Run("disabled config", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if c.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}
		c.RecordOperation("get", time.Millisecond, 10, nil)
		if len(c.Operations()) != 0 {
			t.Error("disabled collector should not track operations")
		}
	})
}

func TestNilCollectorIsSafe(t *testing.T) {
	t.Parallel()

	var c *Collector
	c.RecordOperation("get", time.Millisecond, 1, nil)
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.SetCacheElements(10)
	c.SetQueueDepth(3)
	c.RecordTask("ok")
	c.RecordView("placeholder")
	c.RecordDrain(DrainComplete, 10)
	c.SetBreakerOpen("bucket", true)
	c.SetHealthHandler(http.NotFoundHandler())
	if err := c.Start(context.Background()); err != nil {
		t.Errorf("Start() on nil collector = %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on nil collector = %v", err)
	}
	if len(c.Operations()) != 0 {
		t.Error("nil collector should report no operations")
	}
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordOperation("get", 5*time.Millisecond, 1024, nil)
	c.RecordOperation("get", 5*time.Millisecond, 0, errors.NewError(errors.ErrCodeStorageRead, "reset"))
	c.RecordOperation("put", time.Millisecond, 3, nil)

	ops := c.Operations()
	if ops["get"].Count != 2 || ops["get"].Errors != 1 || ops["get"].TotalSize != 1024 {
		t.Errorf("unexpected get metrics %+v", ops["get"])
	}
	if ops["put"].Count != 1 {
		t.Errorf("unexpected put metrics %+v", ops["put"])
	}

	if got := testutil.ToFloat64(c.operationCounter.WithLabelValues("get", "error")); got != 1 {
		t.Errorf("get error counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.errorCounter.WithLabelValues("get", "storage")); got != 1 {
		t.Errorf("storage error counter = %v, want 1", got)
	}
}

func TestViewsAndDrains(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordView("placeholder")
	c.RecordView("placeholder")
	c.RecordView("volatile")
	c.RecordDrain(DrainComplete, 990)
	c.RecordDrain(DrainAbandoned, 0)

	if got := testutil.ToFloat64(c.viewCounter.WithLabelValues("placeholder")); got != 2 {
		t.Errorf("placeholder views = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.drainedBytes); got != 990 {
		t.Errorf("drained bytes = %v, want 990", got)
	}
	if got := testutil.ToFloat64(c.drainCounter.WithLabelValues(DrainAbandoned)); got != 1 {
		t.Errorf("abandoned drains = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.SetQueueDepth(7)
	c.SetCacheElements(4096)
	c.SetBreakerOpen("bucket-a", true)

	if got := testutil.ToFloat64(c.queueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.cacheElements); got != 4096 {
		t.Errorf("cache elements = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(c.breakerState.WithLabelValues("bucket-a")); got != 1 {
		t.Errorf("breaker gauge = %v, want 1", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordCacheHit()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `n5stream_cache_requests_total{type="hit"} 1`) {
		t.Errorf("scrape output missing cache hit:\n%s", body)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{errors.NewError(errors.ErrCodeFormatInvalid, "bad"), "format"},
		{errors.NewError(errors.ErrCodeObjectNotFound, "gone"), "storage"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{stderr.New("other"), "other"},
	}

	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
