package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{httpServer: s, logger: logger}
}

// Addr 监听地址
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start 阻塞直到服务停止；正常 Shutdown 时返回 nil
func (s *Server) Start() error {
	s.logger.Info("Starting medsync HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 优雅关闭；WebSocket 等被劫持的连接由 RegisterOnShutdown 的回调负责
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping medsync HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// OnShutdown 注册关闭回调
func (s *Server) OnShutdown(f func()) {
	s.httpServer.RegisterOnShutdown(f)
}
