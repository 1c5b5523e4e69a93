package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"threadline/internal/storage"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger     *zap.SugaredLogger
	httpServer *http.Server
	h          handler

	afterShutdown []func()
}

// NewServer returns new Server struct with provided zap.SugaredLogger and storage.Store.
// Handlers are wrapped innermost-first: body enforcement, rate limiter,
// access-time gate, request log. The gates stay outside body parsing so a
// denied request costs nothing.
func NewServer(logger *zap.SugaredLogger, store *storage.Store, opts ...Option) (*Server, error) {
	srv := &Server{
		logger: logger,
		h: handler{
			logger: logger,
			store:  store,
		},
	}

	c := &config{
		httpServer: &http.Server{Addr: "0.0.0.0:9000"},
		handlers: map[string]http.Handler{
			"/users/add":          http.HandlerFunc(srv.h.createUser),
			"/users/delete":       http.HandlerFunc(srv.h.deleteUser),
			"/conversations/add":  http.HandlerFunc(srv.h.createConversation),
			"/conversations/join": http.HandlerFunc(srv.h.joinConversation),
			"/conversations/get":  http.HandlerFunc(srv.h.conversationsByUserID),
			"/messages/send":      http.HandlerFunc(srv.h.sendMessage),
			"/messages/edit":      http.HandlerFunc(srv.h.editMessage),
			"/messages/thread":    http.HandlerFunc(srv.h.thread),
			"/messages/unread":    http.HandlerFunc(srv.h.unreadByUserID),
			"/messages/read":      http.HandlerFunc(srv.h.markRead),
			"/notifications/get":  http.HandlerFunc(srv.h.notificationsByUserID),
		},
		clock: time.Now,
	}

	for _, opt := range opts {
		opt.apply(c)
	}

	for _, opt := range []Option{
		applyEnforcePostJson(),
		applyThrottle(),
		applyAccessGate(),
		applyLog(logger.Desugar()),
		registerHandlers(),
	} {
		opt.apply(c)
	}

	srv.httpServer = c.httpServer
	srv.afterShutdown = c.afterShutdown

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

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
