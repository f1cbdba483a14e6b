package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/arsalan507/workchat-sub000/internal/broadcast"
	"github.com/arsalan507/workchat-sub000/internal/storage"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger     *zap.SugaredLogger
	httpServer *http.Server
	h          handler
}

// NewServer returns new Server struct with provided zap.SugaredLogger,
// storage.Store and broadcast.Broadcaster. Every command endpoint except
// registration requires a bearer token signed with cfg.JWTSecret.
func NewServer(logger *zap.SugaredLogger, cfg EnvConfig, store *storage.Store, broadcaster *broadcast.Broadcaster, opts ...Option) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger must be non-nil")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret must be non-empty")
	}

	srv := &Server{
		logger: logger,
		h: handler{
			logger:      logger,
			store:       store,
			broadcaster: broadcaster,
			parsers: parsers{
				userPool:    fastjson.ParserPool{},
				chatPool:    fastjson.ParserPool{},
				messagePool: fastjson.ParserPool{},
				taskPool:    fastjson.ParserPool{},
				memberPool:  fastjson.ParserPool{},
				readPool:    fastjson.ParserPool{},
			},
		},
	}

	secret := []byte(cfg.JWTSecret)
	base := logger.Desugar()

	open := func(h http.HandlerFunc) http.Handler {
		return log(enforcePostJson(h), base)
	}
	command := func(h http.HandlerFunc) http.Handler {
		return log(enforcePostJson(auth(h, secret)), base)
	}

	mux := http.NewServeMux()
	mux.Handle("/users/add", open(srv.h.createUser))
	mux.Handle("/chats/add", command(srv.h.createChat))
	mux.Handle("/chats/get", command(srv.h.chatsByUser))
	mux.Handle("/chats/read", command(srv.h.markChatRead))
	mux.Handle("/chats/leave", command(srv.h.leaveChat))
	mux.Handle("/chats/members/add", command(srv.h.addMembers))
	mux.Handle("/chats/members/remove", command(srv.h.removeMember))
	mux.Handle("/chats/members/promote", command(srv.h.promoteMember))
	mux.Handle("/chats/members/demote", command(srv.h.demoteMember))
	mux.Handle("/messages/add", command(srv.h.createMessage))
	mux.Handle("/messages/get", command(srv.h.messagesByChat))
	mux.Handle("/messages/read", command(srv.h.markRead))
	mux.Handle("/tasks/convert", command(srv.h.convertTask))
	mux.Handle("/tasks/status", command(srv.h.updateTaskStatus))
	mux.Handle("/tasks/steps/complete", command(srv.h.completeStep))
	mux.Handle("/tasks/get", command(srv.h.taskByID))
	mux.Handle("/tasks/proofs/add", command(srv.h.addProof))

	// websocket upgrade is a GET, so it bypasses enforcePostJson
	mux.Handle("/ws", log(srv.h.serveWS(secret), base))

	c := config{
		httpServer: &http.Server{
			Addr:    cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10),
			Handler: mux,
		},
	}
	for _, opt := range opts {
		opt.apply(&c)
	}

	srv.httpServer = c.httpServer

	return srv, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	s.logger.Info("Closing store")
	s.h.store.Close()
	s.logger.Info("Store is closed")

	return nil
}
