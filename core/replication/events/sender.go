package events

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SenderConfig controls a CompletionSender connected to one peer.
type SenderConfig struct {
	// Remote endpoint.
	Addr    string      // host:port
	URLPath string      // e.g. "/tx-completions"
	TLS     *tls.Config // TLS config (SNI, RootCAs, etc.)

	// QueueCapacity bounds the ingress queue of events awaiting dispatch.
	QueueCapacity int

	// EventsPerSecond paces the outbound stream; zero disables pacing.
	EventsPerSecond float64
	// Burst is the pacing burst size; defaults to 32 when pacing is on.
	Burst int

	// Retry policy for re-establishing the stream after a write failure.
	MaxWriteRetries   int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffJitterFrac float64

	// QUIC low-level knobs (optional).
	QUIC *quic.Config

	Logger *zap.Logger
}

func (c *SenderConfig) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/tx-completions"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.Burst <= 0 {
		c.Burst = 32
	}
	if c.MaxWriteRetries < 0 {
		c.MaxWriteRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// CompletionSender streams completion events to a single peer over a
// long-lived HTTP/3 POST. Frames are length-prefixed so the peer can split
// the stream back into events. A broken stream is re-established with
// exponential backoff; events that exhaust the retry budget are dropped,
// the peer's proactive timeout path covers the loss.
type CompletionSender struct {
	cfg     SenderConfig
	url     string
	client  *http.Client
	rt      *http3.RoundTripper
	limiter *rate.Limiter
	in      chan TxCompletionEvent
	quit    chan struct{}
	closed  int32
	wg      sync.WaitGroup
	randSrc *rand.Rand
}

// NewCompletionSender starts the sender's dispatch loop.
func NewCompletionSender(cfg SenderConfig) (*CompletionSender, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("events: SenderConfig.Addr is required")
	}
	rt := &http3.RoundTripper{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}

	s := &CompletionSender{
		cfg:     cfg,
		url:     fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath),
		client:  &http.Client{Transport: rt},
		rt:      rt,
		in:      make(chan TxCompletionEvent, cfg.QueueCapacity),
		quit:    make(chan struct{}),
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.EventsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Burst)
	}

	s.wg.Add(1)
	go s.dispatchLoop()
	return s, nil
}

// Send enqueues an event for delivery. It never blocks: when the queue is
// full the event is dropped and reported, since a stalled completion stream
// must not stall commits.
func (s *CompletionSender) Send(ev TxCompletionEvent) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return errors.New("events: sender closed")
	}
	select {
	case s.in <- ev:
		return nil
	default:
		s.cfg.Logger.Warn("completion event queue full, dropping",
			zap.String("peer", s.cfg.Addr),
			zap.String("tx", ev.TxID.String()),
		)
		return errors.New("events: queue full")
	}
}

// Close drains nothing further and stops the dispatch loop.
func (s *CompletionSender) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return errors.New("events: already closed")
	}
	close(s.quit)
	s.wg.Wait()
	return s.rt.Close()
}

type senderStream struct {
	writer    io.WriteCloser
	cancelReq context.CancelFunc
}

func (st *senderStream) teardown() {
	_ = st.writer.Close()
	st.cancelReq()
}

func (s *CompletionSender) dispatchLoop() {
	defer s.wg.Done()
	var st *senderStream
	defer func() {
		if st != nil {
			st.teardown()
		}
	}()

	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.in:
			if s.limiter != nil {
				if err := s.waitForSlot(); err != nil {
					return
				}
			}
			frame, err := s.frame(ev)
			if err != nil {
				s.cfg.Logger.Error("encoding completion event failed", zap.Error(err))
				continue
			}
			st = s.writeWithRetry(st, frame, ev)
		}
	}
}

// waitForSlot blocks on the pacer, abandoning the wait on shutdown.
func (s *CompletionSender) waitForSlot() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return s.limiter.Wait(ctx)
}

// writeWithRetry writes the frame, re-establishing the stream with backoff
// on failure. Returns the stream to reuse for the next event, or nil when
// the frame was abandoned.
func (s *CompletionSender) writeWithRetry(st *senderStream, frame []byte, ev TxCompletionEvent) *senderStream {
	backoff := s.cfg.InitialBackoff
	for attempt := 0; attempt <= s.cfg.MaxWriteRetries; attempt++ {
		if st == nil {
			var err error
			st, err = s.establishStream()
			if err != nil {
				s.cfg.Logger.Warn("establishing completion stream failed",
					zap.String("peer", s.cfg.Addr),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				if !s.sleepBackoff(backoff) {
					return nil
				}
				backoff = s.nextBackoff(backoff)
				continue
			}
		}
		_, err := st.writer.Write(frame)
		if err == nil {
			return st
		}
		s.cfg.Logger.Warn("completion stream write failed, reconnecting",
			zap.String("peer", s.cfg.Addr),
			zap.Error(err),
		)
		st.teardown()
		st = nil
		if !s.sleepBackoff(backoff) {
			return nil
		}
		backoff = s.nextBackoff(backoff)
	}
	s.cfg.Logger.Error("dropping completion event after retries",
		zap.String("peer", s.cfg.Addr),
		zap.String("tx", ev.TxID.String()),
	)
	return nil
}

func (s *CompletionSender) sleepBackoff(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.quit:
		return false
	}
}

func (s *CompletionSender) nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * 2)
	if next > s.cfg.MaxBackoff {
		next = s.cfg.MaxBackoff
	}
	j := 1 + (s.randSrc.Float64()*2-1)*s.cfg.BackoffJitterFrac
	return time.Duration(math.Max(0, float64(next)*j))
}

// establishStream opens a streaming HTTP/3 POST using io.Pipe for the body.
func (s *CompletionSender) establishStream() (*senderStream, error) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}

	// The request runs for the lifetime of the stream; the goroutine watches
	// the response so a server-side close tears the pipe down.
	go func() {
		resp, err := s.client.Do(req)
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("client request failed: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			_ = pw.CloseWithError(fmt.Errorf("server returned non-2xx: %s", resp.Status))
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = pw.Close()
	}()

	s.cfg.Logger.Info("established completion stream", zap.String("url", s.url))
	return &senderStream{writer: pw, cancelReq: cancel}, nil
}

// frame prefixes the encoded event with a 4-byte big-endian length.
func (s *CompletionSender) frame(ev TxCompletionEvent) ([]byte, error) {
	payload, err := ev.Encode()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}
