package kernel

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/kernelstore/memstore"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/subcluster"
	"github.com/ocapkernel/kernel/internal/vatmgr"
	"github.com/ocapkernel/kernel/internal/vatmgr/inproc"
)

// okBehavior answers every delivery carrying a result promise with
// {"result":"ok"}.
type okBehavior struct{}

func (okBehavior) HandleDelivery(ctx context.Context, api *inproc.API, d inproc.Delivery) error {
	if d.Result == "" {
		return nil
	}
	return api.Resolve(ctx, d.Result, marshal.EndpointCapData{Body: []byte(`{"result":"ok"}`)}, false)
}

func (okBehavior) HandleNotify(context.Context, *inproc.API, refs.ERef, marshal.EndpointCapData, bool) error {
	return nil
}

func newTestKernel(t *testing.T, backend *memstore.Store) *Kernel {
	t.Helper()
	launcher := inproc.NewLauncher(func(refs.EndpointID, vatmgr.VatConfig) (inproc.Behavior, error) {
		return okBehavior{}, nil
	})
	cfg := config.DefaultConfig()
	cfg.VatManager.GracefulShutdownWait = 100 * time.Millisecond

	k, err := New(context.Background(), cfg, Options{Backend: backend, Launcher: launcher})
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestBootstrapEndToEnd(t *testing.T) {
	k := newTestKernel(t, memstore.New())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := k.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer k.Stop(context.Background())

	result, err := k.LaunchSubcluster(ctx, "test", false, subcluster.Config{
		Bootstrap: "alice",
		Vats:      map[string]subcluster.VatSpec{"alice": {BundleSpec: "X"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.SubclusterID != "s1" {
		t.Errorf("subcluster id = %s, want s1", result.SubclusterID)
	}
	if !regexp.MustCompile(`^ko\d+$`).MatchString(string(result.RootKRef)) {
		t.Errorf("root kref = %s", result.RootKRef)
	}
	if result.Rejected {
		t.Fatal("bootstrap rejected")
	}
	if string(result.BootstrapValue.Body) != `{"result":"ok"}` {
		t.Errorf("bootstrap result body = %s", result.BootstrapValue.Body)
	}
	if len(result.BootstrapValue.Slots) != 0 {
		t.Errorf("bootstrap result slots = %v", result.BootstrapValue.Slots)
	}

	status, err := k.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Vats) != 1 || len(status.Subclusters) != 1 {
		t.Errorf("status = %d vats, %d subclusters", len(status.Vats), len(status.Subclusters))
	}
	for _, svc := range []string{"timer", "vatAdmin"} {
		found := false
		for _, name := range status.Services {
			if name == svc {
				found = true
			}
		}
		if !found {
			t.Errorf("built-in service %s not registered", svc)
		}
	}
}

func TestLaunchValidationFailsSynchronously(t *testing.T) {
	k := newTestKernel(t, memstore.New())
	ctx := context.Background()
	if err := k.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer k.Stop(ctx)

	if _, err := k.LaunchSubcluster(ctx, "bad", false, subcluster.Config{}); err == nil {
		t.Fatal("empty config must be rejected")
	}
}

func TestRestartRecoversSubclusterVats(t *testing.T) {
	backend := memstore.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	k1 := newTestKernel(t, backend)
	if err := k1.Start(ctx); err != nil {
		t.Fatal(err)
	}
	result, err := k1.LaunchSubcluster(ctx, "persist", false, subcluster.Config{
		Bootstrap: "alice",
		Vats:      map[string]subcluster.VatSpec{"alice": {BundleSpec: "X"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	k1.Stop(ctx)

	// A second incarnation over the same backend re-attaches the vat to
	// its existing root export before cranking.
	k2 := newTestKernel(t, backend)
	if err := k2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer k2.Stop(context.Background())

	status, err := k2.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Vats) != 1 {
		t.Fatalf("recovered %d vats, want 1", len(status.Vats))
	}
	if status.Vats[0].RootKRef != result.RootKRef {
		t.Errorf("recovered root = %s, want %s (identity preserved across restart)", status.Vats[0].RootKRef, result.RootKRef)
	}
}

func TestOrphanSystemSubclusterRemovedOnRestart(t *testing.T) {
	backend := memstore.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	k1 := newTestKernel(t, backend)
	if err := k1.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := k1.LaunchSubcluster(ctx, "sysmon", true, subcluster.Config{
		Bootstrap: "mon",
		Vats:      map[string]subcluster.VatSpec{"mon": {BundleSpec: "M"}},
	}); err != nil {
		t.Fatal(err)
	}
	k1.Stop(ctx)

	// No manifest names "sysmon" on restart: the record is deleted and
	// no worker ever launches for it.
	k2 := newTestKernel(t, backend)
	if err := k2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer k2.Stop(context.Background())

	status, err := k2.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Vats) != 0 || len(status.Subclusters) != 0 {
		t.Errorf("orphan survived: %d vats, %d subclusters", len(status.Vats), len(status.Subclusters))
	}
}

func TestClearStorage(t *testing.T) {
	k := newTestKernel(t, memstore.New())
	ctx := context.Background()
	if err := k.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer k.Stop(ctx)

	if _, err := k.LaunchSubcluster(ctx, "wipe", false, subcluster.Config{
		Bootstrap: "a",
		Vats:      map[string]subcluster.VatSpec{"a": {BundleSpec: "X"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := k.ClearStorage(ctx); err != nil {
		t.Fatal(err)
	}

	status, err := k.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.QueueDepth != 0 {
		t.Errorf("queue depth after clear = %d", status.QueueDepth)
	}
}
