package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"time"

	"github.com/Marcinkowski-D/dma-vtt/auth"
	"github.com/Marcinkowski-D/dma-vtt/logger"
	"github.com/Marcinkowski-D/dma-vtt/models"
	"github.com/Marcinkowski-D/dma-vtt/services"
	"github.com/Marcinkowski-D/dma-vtt/session"
	"github.com/Marcinkowski-D/dma-vtt/state"
)

// Server manages the RPC listener.
type Server struct {
	listener net.Listener
	address  string
}

// NewServer creates a new RPC server and registers the admin service.
func NewServer(addr string, admin *AdminService) (*Server, error) {
	if err := rpc.RegisterName("Admin", admin); err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  addr,
	}, nil
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if _, ok := err.(*net.OpError); ok {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// AdminService exposes the campaign-management surface over net/rpc.
// Every call carries a token; catalog writes require the GM role.
type AdminService struct {
	sceneService *services.SceneService
	scenes       *state.Manager
	registry     *session.Registry
	verifier     auth.Provider
}

func NewAdminService(ss *services.SceneService, scenes *state.Manager, registry *session.Registry, verifier auth.Provider) *AdminService {
	return &AdminService{
		sceneService: ss,
		scenes:       scenes,
		registry:     registry,
		verifier:     verifier,
	}
}

func (as *AdminService) identify(token string) (auth.Identity, error) {
	id, err := as.verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("invalid token")
	}
	return id, nil
}

func (as *AdminService) requireGM(token string) (auth.Identity, error) {
	id, err := as.identify(token)
	if err != nil {
		return auth.Identity{}, err
	}
	if id.Role != models.RoleGM {
		return auth.Identity{}, fmt.Errorf("gm role required")
	}
	return id, nil
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

type CreateSceneArgs struct {
	Token string
	Name  string
}

type CreateSceneReply struct {
	Scene *models.Scene
}

func (as *AdminService) CreateScene(args *CreateSceneArgs, reply *CreateSceneReply) error {
	if _, err := as.requireGM(args.Token); err != nil {
		return err
	}
	ctx, cancel := callCtx()
	defer cancel()
	scene, err := as.sceneService.CreateScene(ctx, args.Name)
	if err != nil {
		return err
	}
	reply.Scene = scene
	return nil
}

type ListScenesArgs struct {
	Token string
}

type ListScenesReply struct {
	Scenes []models.SceneInfo
}

func (as *AdminService) ListScenes(args *ListScenesArgs, reply *ListScenesReply) error {
	id, err := as.identify(args.Token)
	if err != nil {
		return err
	}
	ctx, cancel := callCtx()
	defer cancel()
	scenes, err := as.sceneService.ListScenes(ctx, id.Role)
	if err != nil {
		return err
	}
	reply.Scenes = scenes
	return nil
}

type DeleteSceneArgs struct {
	Token   string
	SceneID string
}

type DeleteSceneReply struct{}

func (as *AdminService) DeleteScene(args *DeleteSceneArgs, reply *DeleteSceneReply) error {
	if _, err := as.requireGM(args.Token); err != nil {
		return err
	}
	ctx, cancel := callCtx()
	defer cancel()
	return as.sceneService.DeleteScene(ctx, args.SceneID)
}

type StatusArgs struct {
	Token string
}

type StatusReply struct {
	Sessions    int
	ActiveScene string
}

func (as *AdminService) Status(args *StatusArgs, reply *StatusReply) error {
	if _, err := as.identify(args.Token); err != nil {
		return err
	}
	reply.Sessions = as.registry.Count()
	reply.ActiveScene = as.scenes.ActiveScene()
	return nil
}
