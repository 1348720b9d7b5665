package integration

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/exchange-client/internal/testutil"
	"github.com/Sternrassler/exchange-client/pkg/exchange"
	"github.com/Sternrassler/exchange-client/pkg/memory"
	"github.com/Sternrassler/exchange-client/pkg/source"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// drain consumes pages until the client finishes or the deadline passes.
func drain(t *testing.T, client *exchange.Client, timeout time.Duration) []*source.Page {
	t.Helper()

	deadline := time.After(timeout)
	var pages []*source.Page
	for !client.IsFinished() {
		page, err := client.Poll()
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if page == nil {
			select {
			case <-client.Ready():
			case <-deadline:
				t.Fatalf("Drain timed out after %v with %d pages", timeout, len(pages))
			}
			continue
		}
		pages = append(pages, page)
	}
	return pages
}

// TestFullDrainFlow tests the complete flow: schedule, fetch, buffer,
// acknowledge, poll and producer close, with cluster memory accounting
// against a real Redis.
func TestFullDrainFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	var sources []*testutil.MockSource
	for i := 0; i < 3; i++ {
		sources = append(sources, testutil.NewMockSource([][][]byte{
			testutil.PagesOfSize(2, 1024, byte('a'+i)),
			testutil.PagesOfSize(2, 1024, byte('a'+i)),
			testutil.PagesOfSize(1, 1024, byte('a'+i)),
		}))
		defer sources[i].Close()
	}

	cfg := exchange.DefaultConfig()
	cfg.MaxBufferedBytes = 8 * 1024
	factory, err := exchange.NewFactory(cfg)
	if err != nil {
		t.Fatalf("Failed to create factory: %v", err)
	}
	defer factory.Stop()

	listener := memory.NewClusterListener(redisClient, "integration-full-drain")
	client := factory.NewClient(listener)
	defer client.Close()

	for _, source := range sources {
		if err := client.AddLocation(source.URL()); err != nil {
			t.Fatalf("Failed to add location: %v", err)
		}
	}
	client.NoMoreLocations()

	pages := drain(t, client, 30*time.Second)

	// 3 sources x 5 pages each
	if len(pages) != 15 {
		t.Errorf("Drained %d pages, want 15", len(pages))
	}
	perSource := make(map[string]int)
	for _, page := range pages {
		perSource[page.Location]++
		if page.Size() != 1024 {
			t.Errorf("Page size = %d, want 1024", page.Size())
		}
	}
	for _, source := range sources {
		if got := perSource[source.URL()]; got != 5 {
			t.Errorf("Source %s delivered %d pages, want 5", source.URL(), got)
		}
	}

	// Every source must have seen acknowledgements and a producer close.
	for _, source := range sources {
		waitForCondition(t, 5*time.Second, func() bool { return source.WasClosed() },
			"source should receive a producer close after completing")
		if len(source.GetAckTokens()) == 0 {
			t.Errorf("Source %s received no acknowledgements", source.URL())
		}
	}

	// The cluster accounting key must settle at zero once drained.
	ctx := context.Background()
	waitForCondition(t, 5*time.Second, func() bool {
		accounted, err := redisClient.Get(ctx, listener.Key()).Int64()
		return err == nil && accounted == 0
	}, "cluster accounting should settle at zero after the drain")
}

// TestClusterAccountingTracksBuffer tests that buffered bytes are visible
// in Redis while pages sit in the buffer.
func TestClusterAccountingTracksBuffer(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	source := testutil.NewMockSource([][][]byte{
		testutil.PagesOfSize(4, 2048, 'x'),
	})
	defer source.Close()

	factory, err := exchange.NewFactory(exchange.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create factory: %v", err)
	}
	defer factory.Stop()

	listener := memory.NewClusterListener(redisClient, "integration-accounting")
	client := factory.NewClient(listener)
	defer client.Close()

	if err := client.AddLocation(source.URL()); err != nil {
		t.Fatalf("Failed to add location: %v", err)
	}
	client.NoMoreLocations()

	// Wait for the single batch to arrive without consuming it.
	ctx := context.Background()
	waitForCondition(t, 10*time.Second, func() bool {
		accounted, err := redisClient.Get(ctx, listener.Key()).Int64()
		return err == nil && accounted == 4*2048
	}, "cluster accounting should reflect the buffered batch")

	if got := client.BufferedBytes(); got != 4*2048 {
		t.Errorf("BufferedBytes() = %d, want %d", got, 4*2048)
	}

	drain(t, client, 30*time.Second)
	client.Close()

	waitForCondition(t, 5*time.Second, func() bool {
		accounted, err := redisClient.Get(ctx, listener.Key()).Int64()
		return err == nil && accounted == 0
	}, "cluster accounting should settle at zero after close")
}

// TestSourceFailurePropagates tests that a source exhausting its error
// budget fails the whole exchange client.
func TestSourceFailurePropagates(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	healthy := testutil.NewMockSource([][][]byte{
		testutil.PagesOfSize(2, 512, 'h'),
	})
	defer healthy.Close()

	broken := testutil.NewMockSource([][][]byte{
		testutil.PagesOfSize(2, 512, 'b'),
	})
	defer broken.Close()
	broken.FailNext(1000, http.StatusInternalServerError)

	cfg := exchange.DefaultConfig()
	cfg.MinErrorDuration = 5 * time.Millisecond
	cfg.MaxErrorDuration = 100 * time.Millisecond
	factory, err := exchange.NewFactory(cfg)
	if err != nil {
		t.Fatalf("Failed to create factory: %v", err)
	}
	defer factory.Stop()

	client := factory.NewClient(memory.NewClusterListener(redisClient, "integration-failure"))
	defer client.Close()

	if err := client.AddLocation(healthy.URL()); err != nil {
		t.Fatalf("Failed to add location: %v", err)
	}
	if err := client.AddLocation(broken.URL()); err != nil {
		t.Fatalf("Failed to add location: %v", err)
	}
	client.NoMoreLocations()

	var pollErr error
	waitForCondition(t, 30*time.Second, func() bool {
		_, pollErr = client.Poll()
		return pollErr != nil
	}, "exchange client should fail once the broken source gives up")

	var failed *exchange.FailedError
	if !errors.As(pollErr, &failed) {
		t.Fatalf("Poll error = %v, want *exchange.FailedError", pollErr)
	}
	if failed.Location != broken.URL() {
		t.Errorf("Failed location = %s, want %s", failed.Location, broken.URL())
	}
	if client.IsFinished() {
		t.Error("Failed client must not report finished")
	}
}

// TestRecoveryWithinErrorBudget tests that transient errors are retried
// and the drain still completes.
func TestRecoveryWithinErrorBudget(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	source := testutil.NewMockSource([][][]byte{
		testutil.PagesOfSize(1, 256, 'r'),
		testutil.PagesOfSize(1, 256, 'r'),
	})
	defer source.Close()
	source.FailNext(2, http.StatusServiceUnavailable)

	cfg := exchange.DefaultConfig()
	cfg.MinErrorDuration = 5 * time.Millisecond
	factory, err := exchange.NewFactory(cfg)
	if err != nil {
		t.Fatalf("Failed to create factory: %v", err)
	}
	defer factory.Stop()

	client := factory.NewClient(memory.NewClusterListener(redisClient, "integration-recovery"))
	defer client.Close()

	if err := client.AddLocation(source.URL()); err != nil {
		t.Fatalf("Failed to add location: %v", err)
	}
	client.NoMoreLocations()

	pages := drain(t, client, 30*time.Second)
	if len(pages) != 2 {
		t.Errorf("Drained %d pages, want 2", len(pages))
	}

	// The two injected failures mean at least four requests in total.
	if got := source.GetRequestCount(); got < 4 {
		t.Errorf("Request count = %d, want >= 4 (retries included)", got)
	}
}

// waitForCondition polls until cond holds or the timeout expires.
func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}
