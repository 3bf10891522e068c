package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/ocapkernel/kernel/internal/config"
	"github.com/ocapkernel/kernel/internal/grpcfacade"
	"github.com/ocapkernel/kernel/internal/kernel"
	"github.com/ocapkernel/kernel/internal/kernelstore"
	"github.com/ocapkernel/kernel/internal/kernelstore/memstore"
	"github.com/ocapkernel/kernel/internal/kernelstore/pgstore"
	"github.com/ocapkernel/kernel/internal/kernelstore/s3snapshot"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/marshal"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/observability"
	"github.com/ocapkernel/kernel/internal/queue"
	"github.com/ocapkernel/kernel/internal/ratelimit"
	"github.com/ocapkernel/kernel/internal/refs"
	"github.com/ocapkernel/kernel/internal/remote"
	"github.com/ocapkernel/kernel/internal/remote/tcptransport"
	"github.com/ocapkernel/kernel/internal/remote/vsocktransport"
	"github.com/ocapkernel/kernel/internal/subcluster"
	"github.com/ocapkernel/kernel/internal/vatmgr"
	"github.com/ocapkernel/kernel/internal/vatmgr/inproc"
)

// devBehavior backs vats when no worker binary is configured: every
// delivery with a result promise resolves to its own method echo. Good
// enough to smoke-test subcluster plumbing on a laptop, nothing more.
type devBehavior struct{}

func (devBehavior) HandleDelivery(ctx context.Context, api *inproc.API, d inproc.Delivery) error {
	if d.Result == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]string{"echo": d.Method})
	return api.Resolve(ctx, d.Result, marshal.EndpointCapData{Body: body}, false)
}

func (devBehavior) HandleNotify(context.Context, *inproc.API, refs.ERef, marshal.EndpointCapData, bool) error {
	return nil
}

func nodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "kernel-" + uuid.NewString()[:8]
}

func remoteConfig(rc config.RemoteConfig) remote.Config {
	return remote.Config{
		MaxRetryAttempts:          rc.MaxRetryAttempts,
		MaxConcurrentConnections:  rc.MaxConcurrentConnections,
		MaxMessageSizeBytes:       rc.MaxMessageSizeBytes,
		CleanupInterval:           rc.CleanupInterval,
		StalePeerTimeout:          rc.StalePeerTimeout,
		WriteTimeout:              rc.WriteTimeout,
		HandshakeTimeout:          rc.HandshakeTimeout,
		MaxMessagesPerSecond:      rc.MaxMessagesPerSecond,
		MaxConnectionAttemptsMin:  rc.MaxConnectionAttemptsMin,
		InitialBackoff:            rc.InitialBackoff,
		MaxBackoff:                rc.MaxBackoff,
		PermanentFailureThreshold: rc.PermanentFailureThreshold,
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var backend kernelstore.Backend
	switch cfg.KernelStore.Backend {
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.KernelStore.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres backend: %w", err)
		}
		defer pg.Close()
		backend = pg
	default:
		backend = memstore.New()
	}

	var redisClient *redis.Client
	var notifier queue.Notifier
	var limiterBackend ratelimit.Backend
	if cfg.Daemon.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Daemon.RedisAddr})
		defer redisClient.Close()
		notifier = queue.NewRedisNotifier(redisClient)
		limiterBackend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redisClient))
	} else {
		notifier = queue.NewChannelNotifier()
		limiterBackend = ratelimit.NewLocalTokenBucketBackend()
	}

	// Vat workers: out-of-process over gRPC when a worker binary is
	// configured, otherwise the in-process dev behavior.
	grpcServer := grpc.NewServer()
	workerServer := grpcfacade.NewServer()
	workerServer.Register(grpcServer)

	var launcher vatmgr.WorkerLauncher
	if cfg.VatManager.WorkerBin != "" {
		launcher = grpcfacade.NewLauncher(workerServer, cfg.VatManager.WorkerBin, cfg.Daemon.GRPCAddr, 30*time.Second)
	} else {
		logging.Op().Warn("no worker binary configured, running vats in-process with the dev behavior")
		launcher = inproc.NewLauncher(func(refs.EndpointID, vatmgr.VatConfig) (inproc.Behavior, error) {
			return devBehavior{}, nil
		})
	}

	local := nodeID()
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	var transport *remote.Transport
	if cfg.Remote.ListenAddr != "" || cfg.Remote.VsockPort != 0 || len(cfg.Remote.Relays) > 0 {
		dialer := tcptransport.NewDialer(cfg.Remote.MaxMessageSizeBytes)
		handshaker := &tcptransport.Handshaker{LocalID: local}
		transport = remote.NewTransport(remoteConfig(cfg.Remote), dialer, handshaker,
			func(from string, payload []byte) {
				logging.Op().Debug("remote message", "from", from, "bytes", len(payload))
			},
			func(peer string) {
				logging.Op().Warn("remote peer permanently failed", "peer", peer)
			})

		// Relays are "peerID@host:port" dial hints for well-known peers.
		for _, relay := range cfg.Remote.Relays {
			if peerID, addr, ok := splitRelay(relay); ok {
				transport.RegisterLocationHints(peerID, []string{addr})
			} else {
				logging.Op().Warn("ignoring malformed relay entry", "relay", relay)
			}
		}

		if cfg.Remote.ListenAddr != "" {
			ln, err := tcptransport.Listen(cfg.Remote.ListenAddr, local, cfg.Remote.HandshakeTimeout, cfg.Remote.MaxMessageSizeBytes)
			if err != nil {
				return fmt.Errorf("remote listen: %w", err)
			}
			go ln.Serve(serveCtx, func(peerID string, ch remote.Channel) {
				if err := transport.HandleInbound(peerID, ch); err != nil {
					logging.Op().Warn("inbound peer rejected", "peer", peerID, "error", err)
				}
			})
			logging.Op().Info("remote transport listening", "addr", cfg.Remote.ListenAddr, "node_id", local)
		}
		if cfg.Remote.VsockPort != 0 {
			ln, err := vsocktransport.Listen(cfg.Remote.VsockPort, local, cfg.Remote.HandshakeTimeout, cfg.Remote.MaxMessageSizeBytes)
			if err != nil {
				return fmt.Errorf("vsock listen: %w", err)
			}
			go ln.Serve(serveCtx, func(peerID string, ch remote.Channel) {
				if err := transport.HandleInbound(peerID, ch); err != nil {
					logging.Op().Warn("inbound vsock peer rejected", "peer", peerID, "error", err)
				}
			})
			logging.Op().Info("vsock transport listening", "port", cfg.Remote.VsockPort)
		}
	}

	manifests, err := subcluster.LoadManifestDir(cfg.Subcluster.ConfigDir)
	if err != nil {
		return fmt.Errorf("load subcluster manifests: %w", err)
	}

	k, err := kernel.New(ctx, cfg, kernel.Options{
		Backend:   backend,
		Launcher:  launcher,
		Notifier:  notifier,
		Transport: transport,
		Manifests: manifests,
	})
	if err != nil {
		return err
	}

	grpcLis, err := net.Listen("tcp", cfg.Daemon.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go grpcServer.Serve(grpcLis)

	if err := k.Start(ctx); err != nil {
		return err
	}

	// System subclusters described on disk but not yet persisted are
	// launched now; everything persisted was already recovered.
	launchNewSystemSubclusters(ctx, k, manifests)

	httpSrv := &http.Server{
		Addr:    cfg.Daemon.HTTPAddr,
		Handler: buildHandler(cfg, k, backend, limiterBackend),
	}
	go func() {
		logging.Op().Info("control API listening", "addr", cfg.Daemon.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server failed", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logging.Op().Info("shutting down", "signal", s.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	cancelServe()
	k.Stop(shutdownCtx)
	grpcServer.GracefulStop()
	logging.DefaultCrankLog().Close()
	_ = observability.Shutdown(shutdownCtx)
	return nil
}

func splitRelay(relay string) (peerID, addr string, ok bool) {
	for i := 0; i < len(relay); i++ {
		if relay[i] == '@' {
			return relay[:i], relay[i+1:], relay[:i] != "" && relay[i+1:] != ""
		}
	}
	return "", "", false
}

func launchNewSystemSubclusters(ctx context.Context, k *kernel.Kernel, manifests []*subcluster.Manifest) {
	existing := make(map[string]bool)
	for _, rec := range k.Subclusters().Subclusters() {
		existing[rec.Name] = true
	}
	for _, m := range manifests {
		if !m.System || existing[m.Name] {
			continue
		}
		result, err := k.LaunchSubcluster(ctx, m.Name, true, m.Config)
		if err != nil {
			logging.Op().Error("system subcluster launch failed", "name", m.Name, "error", err)
			continue
		}
		logging.Op().Info("system subcluster launched", "name", m.Name, "id", result.SubclusterID)
	}
}

func snapshotRecords(ctx context.Context, backend kernelstore.Backend) ([]s3snapshot.Record, error) {
	keys, err := backend.Keys(ctx, "")
	if err != nil {
		return nil, err
	}
	records := make([]s3snapshot.Record, 0, len(keys))
	for _, key := range keys {
		v, ok, err := backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		records = append(records, s3snapshot.Record{Key: key, Value: v})
	}
	return records, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func buildHandler(cfg *config.Config, k *kernel.Kernel, backend kernelstore.Backend, limiterBackend ratelimit.Backend) http.Handler {
	limiter := ratelimit.New(limiterBackend, ratelimit.DefaultClasses(), ratelimit.Class{MaxTokens: 100, RefillRate: 50})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "uptime_s": int(time.Since(metrics.StartTime()).Seconds())})
	})
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /metrics.json", metrics.Global().JSONHandler())

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		status, err := k.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /subclusters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, k.Subclusters().Subclusters())
	})

	type launchRequest struct {
		Name   string            `json:"name"`
		System bool              `json:"system"`
		Config subcluster.Config `json:"config"`
	}
	mux.HandleFunc("POST /subclusters", func(w http.ResponseWriter, r *http.Request) {
		var req launchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := k.LaunchSubcluster(r.Context(), req.Name, req.System, req.Config)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("DELETE /subclusters/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := k.TerminateSubcluster(r.Context(), refs.SubclusterID(r.PathValue("id"))); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
	})

	mux.HandleFunc("POST /subclusters/{id}/reload", func(w http.ResponseWriter, r *http.Request) {
		var scCfg subcluster.Config
		if err := json.NewDecoder(r.Body).Decode(&scCfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := k.ReloadSubcluster(r.Context(), refs.SubclusterID(r.PathValue("id")), scCfg)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /vats", func(w http.ResponseWriter, r *http.Request) {
		status, err := k.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, status.Vats)
	})

	mux.HandleFunc("GET /vats/{id}/output", func(w http.ResponseWriter, r *http.Request) {
		store := logging.GetVatOutputStore()
		if store == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("vat output capture is not enabled"))
			return
		}
		entry, ok := store.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("no captured output for vat %s", r.PathValue("id")))
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	mux.HandleFunc("POST /admin/clear", func(w http.ResponseWriter, r *http.Request) {
		if err := k.ClearStorage(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	})

	mux.HandleFunc("POST /admin/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if cfg.KernelStore.SnapshotBucket == "" {
			writeError(w, http.StatusConflict, fmt.Errorf("no snapshot bucket configured"))
			return
		}
		exporter, err := s3snapshot.NewExporter(r.Context(), cfg.KernelStore.SnapshotBucket, "kernel-snapshots")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		// Snapshot from a quiesced store so the dump is crank-consistent.
		status, err := k.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		records, err := snapshotRecords(r.Context(), backend)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		key, err := exporter.Export(r.Context(), records)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "records": len(records), "queue_depth": status.QueueDepth})
	})

	var handler http.Handler = mux
	handler = ratelimit.Middleware(limiter, nil)(handler)
	handler = observability.HTTPMiddleware(handler)
	return handler
}
