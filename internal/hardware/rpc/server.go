package rpc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"instrument-hub/internal/device"
)

// Server exports one device.Session to RPC clients. Calls from all
// connections are serialised onto the session.
type Server struct {
	sess device.Session
	log  *slog.Logger

	mu       sync.Mutex // serialises session calls
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	once     sync.Once
}

func NewServer(sess device.Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sess: sess, log: logger, quit: make(chan struct{})}
}

// Listen starts accepting connections on address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l
	s.log.Info("rpc daemon listening", "addr", l.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.log.Warn("rpc accept", "err", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			conn.Close()
		case <-done:
		}
	}()

	f := newFramer(conn)
	for {
		var req Request
		if err := f.readMsg(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("rpc read", "remote", conn.RemoteAddr().String(), "err", err)
			}
			return
		}
		resp := s.dispatch(req)
		if err := f.writeMsg(resp); err != nil {
			s.log.Debug("rpc write", "err", err)
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.call(req)
	resp := Response{ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if result != nil {
		raw, err := encMode.Marshal(result)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result = raw
	}
	return resp
}

func (s *Server) call(req Request) (any, error) {
	switch req.Method {
	case MethodID:
		id, err := s.sess.Identity()
		return IDResult{Name: id.Name, Serial: id.Serial, Model: id.Model}, err
	case MethodTraits:
		return traitsOf(s.sess), nil
	case MethodBusy:
		return s.sess.IsBusy()
	}

	if p, ok := s.sess.(device.Positioner); ok {
		switch req.Method {
		case MethodGetPosition:
			return p.GetPosition()
		case MethodSetPosition:
			return nil, p.SetPositionAbsolute(req.Params.Value)
		}
	}
	if m, ok := s.sess.(device.Measurer); ok {
		switch req.Method {
		case MethodMeasure:
			return nil, m.Measure(req.Params.Blocking)
		case MethodChannelNames:
			return m.ChannelNames()
		case MethodMeasured:
			return m.MeasuredValues()
		}
	}
	if t, ok := s.sess.(device.Turret); ok {
		switch req.Method {
		case MethodSetTurret:
			return nil, t.SetTurret(req.Params.Index)
		case MethodTurretLimits:
			lo, hi, err := t.TurretLimits()
			return LimitsResult{Min: lo, Max: hi}, err
		}
	}
	return nil, fmt.Errorf("unsupported method %q", req.Method)
}

func traitsOf(sess device.Session) []string {
	traits := []string{}
	if _, ok := sess.(device.Positioner); ok {
		traits = append(traits, TraitHasPosition)
	}
	if _, ok := sess.(device.Measurer); ok {
		traits = append(traits, TraitIsSensor)
	}
	if _, ok := sess.(device.Turret); ok {
		traits = append(traits, TraitHasTurret)
	}
	return traits
}

// Close stops the server and waits for connections to finish.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}
