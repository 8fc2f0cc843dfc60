package events

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// Handler consumes a decoded completion event. It runs on the receive path
// and must not block for long.
type Handler func(TxCompletionEvent)

// ReceiverConfig controls the completion-event listener.
type ReceiverConfig struct {
	Addr    string       // e.g. ":8444"
	URLPath string       // e.g. "/tx-completions"
	TLS     *tls.Config  // required for HTTP/3
	QUIC    *quic.Config // optional

	// MaxEventBytes caps a single frame; streams carrying larger frames are
	// closed as malformed.
	MaxEventBytes int
	// MaxConcurrency caps concurrent inbound streams; 0 means unlimited.
	MaxConcurrency int
}

// CompletionReceiver serves a length-prefixed HTTP/3 event stream and hands
// each decoded event to the configured handler.
type CompletionReceiver struct {
	cfg     ReceiverConfig
	logger  *zap.Logger
	handler Handler
	server  *http3.Server
	ln      net.PacketConn
	sem     chan struct{}
	wg      sync.WaitGroup
	started int32
	closed  int32
}

// NewCompletionReceiver builds the receiver. The handler is required.
func NewCompletionReceiver(cfg ReceiverConfig, logger *zap.Logger, handler Handler) (*CompletionReceiver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("events: ReceiverConfig.Addr is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("events: ReceiverConfig.TLS is required for HTTP/3")
	}
	if handler == nil {
		return nil, errors.New("events: handler is required")
	}
	if cfg.URLPath == "" {
		cfg.URLPath = "/tx-completions"
	}
	if cfg.MaxEventBytes <= 0 {
		cfg.MaxEventBytes = 64 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &CompletionReceiver{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
	}
	if cfg.MaxConcurrency > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrency)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, r.streamHandler)

	r.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  cfg.TLS,
		Handler:    mux,
		QUICConfig: cfg.QUIC,
	}
	return r, nil
}

// Start begins listening on UDP and serving HTTP/3.
func (r *CompletionReceiver) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return errors.New("events: receiver already started")
	}

	conn, err := net.ListenPacket("udp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen UDP %s: %w", r.cfg.Addr, err)
	}
	r.ln = conn

	r.logger.Info("completion receiver listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.String("path", r.cfg.URLPath),
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("completion receiver serve error", zap.Error(err))
		}
	}()
	return nil
}

// Close stops the server and waits for in-flight streams within ctx.
func (r *CompletionReceiver) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	_ = r.server.Close()
	if r.ln != nil {
		_ = r.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		r.logger.Warn("completion receiver close timed out", zap.Error(ctx.Err()))
	case <-done:
	}
	r.logger.Info("completion receiver closed")
	return nil
}

func (r *CompletionReceiver) acquire() func() {
	if r.sem == nil {
		return func() {}
	}
	r.sem <- struct{}{}
	return func() { <-r.sem }
}

// streamHandler processes a length-prefixed stream: [4B big-endian len][payload]...
func (r *CompletionReceiver) streamHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Body == nil {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	release := r.acquire()
	defer release()

	remote := req.RemoteAddr
	r.logger.Debug("completion stream opened", zap.String("remote", remote))

	// Acknowledge early; the sender keeps the request body open for the
	// lifetime of the stream.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(nil)

	ctx := req.Context()
	body := req.Body
	var lenBuf [4]byte

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("completion stream cancelled", zap.String("remote", remote))
			return
		default:
		}

		if _, err := io.ReadFull(body, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.logger.Error("reading frame length failed", zap.String("remote", remote), zap.Error(err))
			return
		}

		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue
		}
		if int(n) > r.cfg.MaxEventBytes {
			r.logger.Warn("oversized completion frame, closing stream",
				zap.String("remote", remote),
				zap.Uint32("size", n),
				zap.Int("max", r.cfg.MaxEventBytes),
			)
			return
		}

		payload := make([]byte, int(n))
		if _, err := io.ReadFull(body, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			r.logger.Error("reading frame payload failed", zap.String("remote", remote), zap.Error(err))
			return
		}

		ev, err := DecodeEvent(payload)
		if err != nil {
			r.logger.Warn("malformed completion event", zap.String("remote", remote), zap.Error(err))
			continue
		}
		r.handler(ev)
	}
}
