package events

import (
	"crypto/tls"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster fans completion events out to a set of peer endpoints, lazily
// opening one CompletionSender per endpoint and reusing it across events.
type Broadcaster struct {
	base   SenderConfig
	logger *zap.Logger

	mu      sync.Mutex
	senders map[string]*CompletionSender
	closed  bool
}

// NewBroadcaster builds a broadcaster. base.Addr is ignored; every other
// field seeds the per-peer sender configs.
func NewBroadcaster(tlsConf *tls.Config, base SenderConfig, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	base.TLS = tlsConf
	base.Logger = logger
	return &Broadcaster{
		base:    base,
		logger:  logger,
		senders: make(map[string]*CompletionSender),
	}
}

// Publish sends the event to every address. Failures are logged per peer;
// the publish itself never fails, peers recover via their timeout paths.
func (b *Broadcaster) Publish(addrs []string, ev TxCompletionEvent) {
	for _, addr := range addrs {
		s, err := b.sender(addr)
		if err != nil {
			b.logger.Warn("completion sender unavailable", zap.String("peer", addr), zap.Error(err))
			continue
		}
		if err := s.Send(ev); err != nil {
			b.logger.Warn("completion publish failed", zap.String("peer", addr), zap.Error(err))
		}
	}
}

func (b *Broadcaster) sender(addr string) (*CompletionSender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.senders[addr]; ok {
		return s, nil
	}
	cfg := b.base
	cfg.Addr = addr
	s, err := NewCompletionSender(cfg)
	if err != nil {
		return nil, err
	}
	b.senders[addr] = s
	return s, nil
}

// Close stops every sender.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for addr, s := range b.senders {
		if err := s.Close(); err != nil {
			b.logger.Debug("closing completion sender", zap.String("peer", addr), zap.Error(err))
		}
	}
	b.senders = make(map[string]*CompletionSender)
}
