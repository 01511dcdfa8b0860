package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorbox/mirrorbox/internal/db"
	"github.com/mirrorbox/mirrorbox/internal/server/group"
	"github.com/mirrorbox/mirrorbox/internal/server/storage"
	"github.com/mirrorbox/mirrorbox/internal/server/ws"
)

type Server struct {
	config  *Config
	server  *http.Server
	hub     *ws.WebsocketHub
	groups  *group.Service
	backend storage.Backend
	pending *pendingUploads
	sqlDB   *sqlx.DB
}

func New(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sqlDB, err := db.NewSqliteDB(db.WithPath(config.DBPath))
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}

	store, err := group.NewStore(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	backend, err := storage.New(config.Storage)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	hub := ws.NewHub()
	groups := group.NewService(store, backend, config.TombstoneGrace)

	return &Server{
		config:  config,
		hub:     hub,
		groups:  groups,
		backend: backend,
		pending: newPendingUploads(),
		sqlDB:   sqlDB,
		server: &http.Server{
			Addr:    config.Http.Addr,
			Handler: SetupRoutes(hub),
		},
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	slog.Info("relay server start", "addr", s.config.Http.Addr)
	defer slog.Info("relay server stop")

	if err := s.groups.Start(ctx); err != nil {
		return fmt.Errorf("group service start: %w", err)
	}

	go s.hub.Run(ctx)
	go s.pending.runJanitor(ctx, s.backend)

	go func() {
		if err := s.runHttpServer(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
		}
	}()

	workers, workersCtx := errgroup.WithContext(ctx)
	numWorkers := runtime.NumCPU()
	slog.Info("message handlers start", "count", numWorkers)
	for n := 0; n < numWorkers; n++ {
		workers.Go(func() error {
			s.handleSocketMessages(workersCtx)
			return nil
		})
	}

	<-ctx.Done()
	workers.Wait()
	slog.Info("relay shutdown signal")
	if err := s.Stop(ctx); err != nil {
		slog.Error("relay shutdown", "error", err)
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.Shutdown(shutdownCtx)
	s.groups.Wait()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.sqlDB.Close()
}

func (s *Server) runHttpServer() error {
	if s.config.Http.CertFile != "" && s.config.Http.KeyFile != "" {
		slog.Info("server start tls", "addr", s.config.Http.Addr)
		return s.server.ListenAndServeTLS(s.config.Http.CertFile, s.config.Http.KeyFile)
	}
	slog.Info("server start http", "addr", s.config.Http.Addr)
	return s.server.ListenAndServe()
}
