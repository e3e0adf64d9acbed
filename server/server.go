package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Marcinkowski-D/dma-vtt/auth"
	"github.com/Marcinkowski-D/dma-vtt/logger"
	"github.com/Marcinkowski-D/dma-vtt/monitor"
	"github.com/Marcinkowski-D/dma-vtt/network"
	"github.com/Marcinkowski-D/dma-vtt/pipeline"
	"github.com/Marcinkowski-D/dma-vtt/session"
	vttrpc "github.com/Marcinkowski-D/dma-vtt/rpc"
)

// GameServer accepts websocket connections, authenticates them and feeds
// decoded messages into the pipeline.
type GameServer struct {
	addr         string
	upgrader     websocket.Upgrader
	registry     *session.Registry
	pipeline     *pipeline.Pipeline
	verifier     auth.Provider
	mon          *monitor.Monitor
	rpcServer    *vttrpc.Server
	outboxSize   int
	shutdownChan chan struct{}
}

func NewGameServer(addr string, registry *session.Registry, pipe *pipeline.Pipeline, verifier auth.Provider, mon *monitor.Monitor, rpcServer *vttrpc.Server, outboxSize int) *GameServer {
	return &GameServer{
		addr:         addr,
		registry:     registry,
		pipeline:     pipe,
		verifier:     verifier,
		mon:          mon,
		rpcServer:    rpcServer,
		outboxSize:   outboxSize,
		shutdownChan: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *GameServer) Start() error {
	if s.rpcServer != nil {
		go s.rpcServer.Start()
	}

	http.HandleFunc("/ws", s.handleWebSocket)
	logger.Log.Infof("Scene sync server listening on %s", s.addr)
	return http.ListenAndServe(s.addr, nil)
}

func (s *GameServer) Shutdown() {
	close(s.shutdownChan)
	if s.rpcServer != nil {
		s.rpcServer.Stop()
	}
}

// requestToken pulls the credential from the Authorization header or the
// token query parameter. Browsers cannot set headers on websocket dials,
// so the query form is the common path.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(requestToken(r))
	if err != nil {
		logger.Log.Infof("Rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn, identity)
}

func (s *GameServer) handleConnection(conn *websocket.Conn, identity auth.Identity) {
	wsConn := network.NewWSConnection(conn)
	sess := session.NewSession(uuid.New().String(), wsConn, identity.UserID, identity.Username, identity.Role, s.outboxSize)
	s.registry.Add(sess)
	s.mon.IncSessions()

	logger.Log.Infof("New connection from %s, user %s (%s), session ID: %s",
		wsConn.RemoteAddr(), identity.UserID, identity.Role, sess.ID)

	defer func() {
		logger.Log.Infof("Connection closed, user %s, session ID: %s", identity.UserID, sess.ID)
		s.registry.Remove(sess.ID)
		s.mon.DecSessions()
		s.pipeline.Disconnect(sess)
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			msg, err := wsConn.ReadMessage()
			if err != nil {
				if errors.Is(err, network.ErrMalformed) {
					sess.Enqueue(&network.ServerMessage{
						Type:   network.MsgError,
						Detail: "malformed message",
					})
					continue
				}
				return
			}
			s.pipeline.Handle(sess, msg)
		}
	}
}
