// Package server is the browser front-end: static files plus a WebSocket
// that turns JSON commands into agent commands.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"haptic-controller/internal/core"
	"haptic-controller/internal/scheduler"
)

// PatternLister lists pattern scripts.
type PatternLister interface {
	List() ([]string, error)
}

// Options wires the server to the rest of the agent.
type Options struct {
	Port           string
	StaticFilesDir string
	AllowedOrigins []string

	Commands  core.CommandChannel
	State     *core.State
	Patterns  PatternLister
	Schedules func() map[cron.EntryID]scheduler.ScheduleEntry

	// ReplyTimeout bounds how long a client waits for a command outcome.
	ReplyTimeout time.Duration
}

// Server manages the HTTP and WebSocket services.
type Server struct {
	Hub        *Hub
	opts       Options
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates a new server instance. The hub starts with Run.
func NewServer(opts Options) *Server {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 10 * time.Second
	}
	s := &Server{
		Hub:  NewHub(),
		opts: opts,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.opts.AllowedOrigins) == 0 {
				log.Println("[Server] Warning: WebSocket CheckOrigin is disabled.")
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.opts.AllowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			log.Printf("[Server] WebSocket connection blocked: Origin '%s' not in allowed list.", origin)
			return false
		},
	}

	s.httpServer = &http.Server{Addr: ":" + opts.Port, Handler: s.Handler()}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.opts.StaticFilesDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticFilesDir)))
	}
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Run starts the hub and serves HTTP until Shutdown.
func (s *Server) Run(ctx context.Context) error {
	go s.Hub.Run(ctx)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// initialMessages describe the agent to a freshly connected client.
func (s *Server) initialMessages() []Message {
	var msgs []Message
	running := ""
	if s.opts.State != nil {
		snap := s.opts.State.Clone()
		msgs = append(msgs, NewMessage(MsgDeviceList, snap.Devices))
		running = snap.RunningPattern
	}
	if s.opts.Patterns != nil {
		if patterns, err := s.opts.Patterns.List(); err == nil {
			msgs = append(msgs, NewMessage(MsgPatternList, patterns))
		} else {
			log.Printf("[Server] Could not list patterns: %v", err)
		}
	}
	msgs = append(msgs, NewMessage(MsgPatternStatus, map[string]string{"running": running}))
	if s.opts.Schedules != nil {
		msgs = append(msgs, NewMessage(MsgScheduleList, s.opts.Schedules()))
	}
	return msgs
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] WebSocket upgrade error: %v", err)
		return
	}

	for _, msg := range s.initialMessages() {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return
		}
	}

	s.Hub.Register(conn)
	defer s.Hub.Unregister(conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.Hub.Send(conn, commandError("", fmt.Errorf("malformed command: %w", err)))
			continue
		}
		go s.dispatch(r.Context(), conn, cmd)
	}
}

// dispatch hands a command to the agent and reports a failure back to the
// client that sent it.
func (s *Server) dispatch(ctx context.Context, conn ClientConn, cmd Command) {
	reply := make(chan error, 1)
	select {
	case s.opts.Commands <- core.Command{Type: core.CommandType(cmd.Type), Payload: cmd.Payload, Reply: reply}:
	case <-ctx.Done():
		return
	}

	select {
	case err := <-reply:
		var reported *core.ReportedError
		if err != nil && !errors.As(err, &reported) {
			s.Hub.Send(conn, commandError(cmd.Type, err))
		}
	case <-time.After(s.opts.ReplyTimeout):
		s.Hub.Send(conn, commandError(cmd.Type, fmt.Errorf("timed out waiting for result")))
	case <-ctx.Done():
	}
}

func commandError(command string, err error) Message {
	return NewMessage(MsgCommandError, map[string]string{
		"command": command,
		"error":   err.Error(),
	})
}
