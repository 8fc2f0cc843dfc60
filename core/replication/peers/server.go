package peers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocache/core/locking"
)

// CommandHandler executes a forwarded transaction command on the local node.
type CommandHandler interface {
	HandleRemote(ctx context.Context, req Request) error
}

// Server accepts peer connections and serves forwarded commands. Each
// connection may carry many sequential requests.
type Server struct {
	addr    string
	handler CommandHandler
	logger  *zap.Logger
	ln      net.Listener
	wg      sync.WaitGroup
	closed  int32
}

// NewServer builds the command listener.
func NewServer(addr string, handler CommandHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{addr: addr, handler: handler, logger: logger}
}

// Start listens and serves until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("peer command server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if atomic.LoadInt32(&s.closed) == 1 {
					return
				}
				s.logger.Error("accept failed", zap.Error(err))
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(conn)
			}()
		}
	}()
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Close stops the listener and waits for in-flight connections.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	encoder := json.NewEncoder(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("malformed peer request",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err),
			)
			_ = encoder.Encode(Response{OK: false, Error: "malformed request"})
			return
		}

		resp := s.execute(req)
		if err := encoder.Encode(resp); err != nil {
			s.logger.Warn("writing peer response failed",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err),
			)
			return
		}
	}
}

func (s *Server) execute(req Request) Response {
	err := s.handler.HandleRemote(context.Background(), req)
	if err == nil {
		return Response{OK: true}
	}
	s.logger.Debug("remote command failed",
		zap.String("type", string(req.Type)),
		zap.String("tx", req.TxID.String()),
		zap.Error(err),
	)
	if errors.Is(err, locking.ErrOutdatedTopology) {
		return Response{OK: false, Error: err.Error(), OutdatedTopology: true}
	}
	return Response{OK: false, Error: err.Error()}
}
