package bridge

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mfelten/histd/internal/xmpp"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by SendQuery when no stanza client is
// attached to the socket.
var ErrNotConnected = errors.New("bridge: no stanza client connected")

// Handler receives the decoded inbound events. It is satisfied by
// mam.Controller.
type Handler interface {
	HandleArchivedMessage(ev xmpp.MessageEvent) error
	HandleLiveMessage(ev xmpp.MessageEvent) error
	HandleQueryResult(res xmpp.QueryResult)
	SetArchiveVersion(archiveJID string, version int)
	SetRoomMembersOnly(roomJID string, membersOnly bool)
	RequestAccountSync() error
	RequestRoomSync(roomJID string) error
	RequestInterval(start, end time.Time) (string, error)
	Reset()
}

// Server owns the Unix domain socket the stanza client connects to. At
// most one client is served at a time; a new connection replaces the
// previous one. Server implements xmpp.Querier by writing query
// envelopes to the attached client.
type Server struct {
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	mu      sync.Mutex
	conn    net.Conn
	handler Handler

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer binds the socket. The handler is attached separately via
// SetHandler because the sync controller needs the server as its
// querier before it exists itself.
func NewServer(socketPath string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// SetHandler attaches the event handler. Must be called before Start.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Start begins accepting connections. Blocks until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("bridge listening", zap.String("socket", s.socketPath))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.attach(conn)
	}
}

// Stop closes the listener and any attached client and removes the
// socket file.
func (s *Server) Stop() {
	close(s.done)
	_ = s.listener.Close()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	s.logger.Info("bridge stopped")
}

// SendQuery writes an archive query envelope to the attached client.
func (s *Server) SendQuery(q xmpp.Query) error {
	env := Envelope{Type: TypeQuery, Query: ptr(queryPayload(q))}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write query: %w", err)
	}
	return nil
}

func (s *Server) attach(conn net.Conn) {
	s.mu.Lock()
	if s.conn != nil {
		s.logger.Warn("replacing attached stanza client")
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("stanza client attached")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(conn)
	}()
}

func (s *Server) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Warn("malformed envelope", zap.Error(err))
			continue
		}
		s.dispatch(env)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("stanza client read error", zap.Error(err))
	}

	s.mu.Lock()
	detached := s.conn == conn
	if detached {
		s.conn = nil
	}
	h := s.handler
	s.mu.Unlock()

	if detached && h != nil {
		// Query ids from the dropped stream are meaningless now.
		h.Reset()
	}
	s.logger.Info("stanza client detached")
}

func (s *Server) dispatch(env Envelope) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		s.logger.Warn("envelope before handler attached", zap.String("type", env.Type))
		return
	}

	switch env.Type {
	case TypeMessage:
		if env.Message == nil {
			s.logger.Warn("message envelope without payload")
			return
		}
		ev := env.Message.event()
		var err error
		if ev.MAM {
			err = h.HandleArchivedMessage(ev)
		} else {
			err = h.HandleLiveMessage(ev)
		}
		if err != nil {
			s.logger.Warn("message not admitted", zap.String("from", ev.From), zap.Error(err))
		}
	case TypeQueryResult:
		if env.Result == nil {
			s.logger.Warn("result envelope without payload")
			return
		}
		res := xmpp.QueryResult{
			QueryID:    env.Result.QueryID,
			ArchiveJID: env.Result.ArchiveJID,
			Complete:   env.Result.Complete,
			Last:       env.Result.Last,
		}
		if env.Result.Error != "" {
			res.Err = errors.New(env.Result.Error)
		}
		h.HandleQueryResult(res)
	case TypeOnline:
		if env.Online == nil {
			s.logger.Warn("online envelope without payload")
			return
		}
		h.SetArchiveVersion(env.Online.Account, env.Online.MAMVersion)
		if err := h.RequestAccountSync(); err != nil {
			s.logger.Warn("account sync not started", zap.Error(err))
		}
	case TypeRoomJoined:
		if env.Joined == nil {
			s.logger.Warn("joined envelope without payload")
			return
		}
		h.SetArchiveVersion(env.Joined.Room, env.Joined.MAMVersion)
		h.SetRoomMembersOnly(env.Joined.Room, env.Joined.MembersOnly)
		if err := h.RequestRoomSync(env.Joined.Room); err != nil {
			s.logger.Warn("room sync not started", zap.String("room", env.Joined.Room), zap.Error(err))
		}
	case TypeInterval:
		if env.Interval == nil {
			s.logger.Warn("interval envelope without payload")
			return
		}
		start, err := time.Parse(time.RFC3339, env.Interval.Start)
		if err != nil {
			s.logger.Warn("interval start not RFC 3339", zap.String("start", env.Interval.Start))
			return
		}
		end := time.Now().UTC()
		if env.Interval.End != "" {
			end, err = time.Parse(time.RFC3339, env.Interval.End)
			if err != nil {
				s.logger.Warn("interval end not RFC 3339", zap.String("end", env.Interval.End))
				return
			}
		}
		if _, err := h.RequestInterval(start, end); err != nil {
			s.logger.Warn("interval request not started", zap.Error(err))
		}
	default:
		s.logger.Warn("unknown envelope type", zap.String("type", env.Type))
	}
}

func ptr[T any](v T) *T { return &v }
