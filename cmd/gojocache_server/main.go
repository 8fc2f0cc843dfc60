package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sushant-115/gojocache/config/certs"
	"github.com/sushant-115/gojocache/core/locking"
	"github.com/sushant-115/gojocache/core/node"
	"github.com/sushant-115/gojocache/core/replication/events"
	"github.com/sushant-115/gojocache/core/replication/peers"
	"github.com/sushant-115/gojocache/core/topology"
	"github.com/sushant-115/gojocache/internal/clock"
	internaltelemetry "github.com/sushant-115/gojocache/internal/telemetry"
	"github.com/sushant-115/gojocache/pkg/connection"
	"github.com/sushant-115/gojocache/pkg/logger"
	"github.com/sushant-115/gojocache/pkg/telemetry"
)

var (
	nodeID           = flag.String("node_id", "node1", "Unique ID of this cache node")
	raftAddr         = flag.String("raft_addr", "127.0.0.1:7000", "Raft bind address for the topology log")
	raftDir          = flag.String("raft_dir", "/tmp/gojocache_raft_data", "Raft data directory for logs and snapshots")
	bootstrap        = flag.Bool("bootstrap", false, "Bootstrap the Raft cluster (only for the first node)")
	httpAddr         = flag.String("http_addr", "127.0.0.1:8080", "HTTP bind address for the data and admin API")
	grpcAddr         = flag.String("grpc_addr", "127.0.0.1:8000", "gRPC bind address for health checks")
	peerAddr         = flag.String("peer_addr", "127.0.0.1:6000", "TCP address for transaction commands from peers")
	eventsAddr       = flag.String("events_addr", "127.0.0.1:8444", "UDP address for the completion event stream (HTTP/3)")
	eventsPort       = flag.Int("events_port", 8444, "Port peers listen on for completion events")
	lockTimeout      = flag.Duration("lock_timeout", 10*time.Second, "Default lock acquisition timeout")
	secondPhaseAsync = flag.Bool("second_phase_async", false, "Treat commit/rollback fan-out as fire-and-forget")
	logLevel         = flag.String("log_level", "info", "Log level: debug, info, warn, error")
	logFormat        = flag.String("log_format", "json", "Log format: json or console")
	telemetryOn      = flag.Bool("telemetry", true, "Enable OpenTelemetry metrics")
	prometheusPort   = flag.Int("prometheus_port", 9090, "Port for the Prometheus /metrics endpoint")
	caCertPath       = flag.String("ca_cert", "", "CA certificate for the event stream TLS (empty: self-signed)")
	tlsCertPath      = flag.String("tls_cert", "", "Certificate for the event stream TLS")
	tlsKeyPath       = flag.String("tls_key", "", "Private key for the event stream TLS")
)

var zlogger *zap.Logger

func main() {
	flag.Parse()

	var err error
	zlogger, err = logger.New(logger.Config{Level: *logLevel, Format: *logFormat, OutputFile: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer zlogger.Sync()

	zlogger.Info("starting gojocache server",
		zap.String("nodeID", *nodeID),
		zap.String("httpAddr", *httpAddr),
		zap.String("raftAddr", *raftAddr),
	)

	tel, shutdownTel, err := telemetry.New(telemetry.Config{
		Enabled:        *telemetryOn,
		ServiceName:    "gojocache",
		PrometheusPort: *prometheusPort,
	})
	if err != nil {
		zlogger.Fatal("failed to initialize telemetry", zap.Error(err))
	}

	lockMetrics, err := internaltelemetry.NewLockMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("failed to register lock metrics", zap.Error(err))
	}
	grpcMetrics, err := internaltelemetry.NewGrpcMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("failed to register grpc metrics", zap.Error(err))
	}

	// Replicated topology.
	fsm := topology.NewFSM(zlogger)
	raftNode, err := topology.StartRaft(topology.RaftOptions{
		NodeID:    *nodeID,
		BindAddr:  *raftAddr,
		DataDir:   *raftDir,
		Bootstrap: *bootstrap,
	}, fsm, zlogger)
	if err != nil {
		zlogger.Fatal("failed to start raft", zap.Error(err))
	}

	// Cache node assembly.
	pools := connection.NewConnectionPoolManager(8, 5*time.Second)
	peersClient := peers.NewClient(pools, zlogger, *lockTimeout)
	cache := node.New(node.Config{
		NodeID:           *nodeID,
		LockTimeout:      *lockTimeout,
		SecondPhaseAsync: *secondPhaseAsync,
	}, fsm, peersClient, clock.Real{}, zlogger, lockMetrics)

	// Completion event fabric.
	serverTLS, clientTLS, err := loadTLS()
	if err != nil {
		zlogger.Fatal("failed to load TLS configuration", zap.Error(err))
	}
	broadcaster := events.NewBroadcaster(clientTLS, events.SenderConfig{}, zlogger)
	defer broadcaster.Close()
	cache.SetCompletionSink(func(ev events.TxCompletionEvent) {
		go broadcaster.Publish(peerEventAddrs(fsm), ev)
	})

	receiver, err := events.NewCompletionReceiver(events.ReceiverConfig{
		Addr: *eventsAddr,
		TLS:  serverTLS,
	}, zlogger, cache.HandleCompletionEvent)
	if err != nil {
		zlogger.Fatal("failed to build completion receiver", zap.Error(err))
	}
	if err := receiver.Start(); err != nil {
		zlogger.Fatal("failed to start completion receiver", zap.Error(err))
	}

	// Peer command server.
	peerServer := peers.NewServer(*peerAddr, cache, zlogger)
	if err := peerServer.Start(); err != nil {
		zlogger.Fatal("failed to start peer command server", zap.Error(err))
	}

	// gRPC health surface.
	grpcServer, err := startGrpcHealth(grpcMetrics)
	if err != nil {
		zlogger.Fatal("failed to start grpc server", zap.Error(err))
	}

	// Data and admin HTTP API.
	httpServer := startHTTP(cache, fsm, raftNode)

	if *bootstrap {
		go seedTopology(raftNode)
	}

	// Block until asked to stop.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	zlogger.Info("shutting down", zap.String("signal", s.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		zlogger.Warn("http shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if err := peerServer.Close(); err != nil {
		zlogger.Warn("peer server close failed", zap.Error(err))
	}
	if err := receiver.Close(ctx); err != nil {
		zlogger.Warn("completion receiver close failed", zap.Error(err))
	}
	pools.Close()
	if err := raftNode.Shutdown(); err != nil {
		zlogger.Warn("raft shutdown failed", zap.Error(err))
	}
	if err := shutdownTel(ctx); err != nil {
		zlogger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	zlogger.Info("server stopped")
}

// loadTLS returns the event-stream TLS configurations, generating an
// ephemeral self-signed pair when no bundle is configured.
func loadTLS() (*tls.Config, *tls.Config, error) {
	if *caCertPath == "" {
		host, _, err := net.SplitHostPort(*eventsAddr)
		if err != nil || host == "" {
			host = "localhost"
		}
		return certs.SelfSignedPair(host, "localhost")
	}
	serverConf, err := certs.LoadServerTLSConfig(*caCertPath, *tlsCertPath, *tlsKeyPath)
	if err != nil {
		return nil, nil, err
	}
	clientConf, err := certs.LoadClientTLSConfig(*caCertPath, *tlsCertPath, *tlsKeyPath)
	if err != nil {
		return nil, nil, err
	}
	return serverConf, clientConf, nil
}

// peerEventAddrs maps every other node's peer address onto its completion
// event endpoint. All nodes listen for events on the same port.
func peerEventAddrs(fsm *topology.FSM) []string {
	var addrs []string
	for id, addr := range fsm.Nodes() {
		if id == *nodeID {
			continue
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		addrs = append(addrs, fmt.Sprintf("%s:%d", host, *eventsPort))
	}
	return addrs
}

// seedTopology waits for leadership, then registers this node and assigns it
// the full slot space. Later nodes join through the admin API and take over
// ranges via reassignment.
func seedTopology(raftNode *topology.RaftNode) {
	deadline := time.Now().Add(30 * time.Second)
	for !raftNode.IsLeader() {
		if time.Now().After(deadline) {
			zlogger.Error("gave up waiting for raft leadership, topology not seeded")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := raftNode.Propose(topology.Command{Op: topology.OpAddNode, Key: *nodeID, Value: *peerAddr}); err != nil {
		zlogger.Error("failed to register node in topology", zap.Error(err))
		return
	}
	info := topology.SlotRangeInfo{
		RangeID:       "full",
		StartSlot:     0,
		EndSlot:       topology.TotalHashSlots - 1,
		PrimaryNodeID: *nodeID,
	}
	data, _ := json.Marshal(info)
	if err := raftNode.Propose(topology.Command{Op: topology.OpAssignSlotRange, Value: string(data)}); err != nil {
		zlogger.Error("failed to assign initial slot range", zap.Error(err))
		return
	}
	zlogger.Info("topology seeded, this node owns all slots")
}

func startGrpcHealth(metrics *internaltelemetry.GrpcMetrics) (*grpc.Server, error) {
	ln, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", *grpcAddr, err)
	}
	server := grpc.NewServer(grpc.UnaryInterceptor(metrics.UnaryInterceptor()))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("gojocache", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	go func() {
		if err := server.Serve(ln); err != nil {
			zlogger.Error("grpc serve failed", zap.Error(err))
		}
	}()
	zlogger.Info("grpc health server listening", zap.String("addr", *grpcAddr))
	return server, nil
}

type txRequest struct {
	TxID  string `json:"tx_id,omitempty"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

type joinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	PeerAddr string `json:"peer_addr"`
}

func startHTTP(cache *node.Node, fsm *topology.FSM, raftNode *topology.RaftNode) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/tx/begin", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		txID := cache.Begin()
		writeJSON(w, map[string]string{"tx_id": txID.String()})
	})

	mux.HandleFunc("/tx/put", txHandler(cache, func(ctx context.Context, txID uuid.UUID, req txRequest) (any, error) {
		return nil, cache.Put(ctx, txID, req.Key, req.Value)
	}))
	mux.HandleFunc("/tx/delete", txHandler(cache, func(ctx context.Context, txID uuid.UUID, req txRequest) (any, error) {
		return nil, cache.Delete(ctx, txID, req.Key)
	}))
	mux.HandleFunc("/tx/get", txHandler(cache, func(ctx context.Context, txID uuid.UUID, req txRequest) (any, error) {
		value, found, err := cache.Get(ctx, txID, req.Key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value, "found": found}, nil
	}))
	mux.HandleFunc("/tx/commit", txHandler(cache, func(ctx context.Context, txID uuid.UUID, req txRequest) (any, error) {
		return nil, cache.Commit(ctx, txID)
	}))
	mux.HandleFunc("/tx/rollback", txHandler(cache, func(ctx context.Context, txID uuid.UUID, req txRequest) (any, error) {
		return nil, cache.Rollback(ctx, txID)
	}))

	mux.HandleFunc("/kv", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			key := r.URL.Query().Get("key")
			if key == "" {
				http.Error(w, "key is required", http.StatusBadRequest)
				return
			}
			value, found, err := cache.ReadKey(r.Context(), key)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"value": value, "found": found})
		case http.MethodPut, http.MethodPost:
			var req txRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
				http.Error(w, "key is required", http.StatusBadRequest)
				return
			}
			if err := cache.PutNonTx(r.Context(), req.Key, req.Value); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "ok"})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/cluster/topology", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"epoch":  fsm.Epoch(),
			"nodes":  fsm.Nodes(),
			"slots":  fsm.SlotAssignments(),
			"leader": raftNode.LeaderAddr(),
		})
	})

	mux.HandleFunc("/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" || req.RaftAddr == "" {
			http.Error(w, "node_id and raft_addr are required", http.StatusBadRequest)
			return
		}
		if err := raftNode.AddVoter(req.NodeID, req.RaftAddr); err != nil {
			writeError(w, err)
			return
		}
		if err := raftNode.Propose(topology.Command{Op: topology.OpAddNode, Key: req.NodeID, Value: req.PeerAddr}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "joined"})
	})

	mux.HandleFunc("/cluster/assign", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var info topology.SlotRangeInfo
		if err := json.NewDecoder(r.Body).Decode(&info); err != nil || info.RangeID == "" {
			http.Error(w, "invalid slot range", http.StatusBadRequest)
			return
		}
		data, err := json.Marshal(info)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := raftNode.Propose(topology.Command{Op: topology.OpAssignSlotRange, Value: string(data)}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "assigned"})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"node_id":         *nodeID,
			"epoch":           fsm.Epoch(),
			"held_locks":      cache.Interceptor().Table().HeldCount(),
			"active_txs":      cache.Registry().ActiveCount(),
			"min_topology_id": cache.Registry().MinTopologyID(),
			"entries":         cache.Store().Len(),
		})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		zlogger.Info("http server listening", zap.String("addr", *httpAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlogger.Error("http serve failed", zap.Error(err))
		}
	}()
	return server
}

// txHandler parses the common transaction envelope and maps errors onto
// HTTP statuses.
func txHandler(cache *node.Node, fn func(ctx context.Context, txID uuid.UUID, req txRequest) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req txRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		txID, err := uuid.Parse(req.TxID)
		if err != nil {
			http.Error(w, "invalid tx_id", http.StatusBadRequest)
			return
		}
		result, err := fn(r.Context(), txID, req)
		if err != nil {
			writeError(w, err)
			return
		}
		if result == nil {
			result = map[string]string{"status": "ok"}
		}
		writeJSON(w, result)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlogger.Warn("writing response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, locking.ErrLockTimeout):
		status = http.StatusConflict
	case errors.Is(err, locking.ErrOutdatedTopology):
		status = http.StatusServiceUnavailable
	case errors.Is(err, node.ErrUnknownTransaction):
		status = http.StatusNotFound
	case strings.Contains(err.Error(), "not the leader"):
		status = http.StatusMisdirectedRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
