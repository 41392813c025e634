package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/livepoll/internal/api"
	"github.com/victornm/livepoll/internal/chat"
	"github.com/victornm/livepoll/internal/event"
	"github.com/victornm/livepoll/internal/gateway"
	"github.com/victornm/livepoll/internal/poll"
	"github.com/victornm/livepoll/internal/roster"
	"github.com/victornm/livepoll/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Poll struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Chat struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			pubsub redis.UniversalClient
		}

		postgres struct {
			poll *pgxpool.Pool
			chat *pgxpool.Pool
		}
	}

	gateway *gateway.Hub

	service struct {
		poll   *poll.Service
		chat   *chat.Service
		roster *roster.Registry
	}

	http   *http.Server
	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Pubsub.Addrs,
		Password: s.c.Redis.Pubsub.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis.pubsub = r
	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.poll, err = connect(s.c.Postgres.Poll.Addr, s.c.Postgres.Poll.User, s.c.Postgres.Poll.Pass, s.c.Postgres.Poll.Name)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	s.infra.postgres.chat, err = connect(s.c.Postgres.Chat.Addr, s.c.Postgres.Chat.User, s.c.Postgres.Chat.Pass, s.c.Postgres.Chat.Name)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	s.gateway = gateway.New(gateway.Config{
		Redis:  s.infra.redis.pubsub,
		Prefix: s.c.Redis.Pubsub.Prefix,
	})

	s.service.poll = poll.NewService(poll.Config{
		EventBus: s.eb,
		Store:    poll.NewPGStore(s.infra.postgres.poll),
		Ledger:   poll.NewPGLedger(s.infra.postgres.poll),
	})

	s.service.chat = chat.NewService(chat.Config{
		DB:       s.infra.postgres.chat,
		EventBus: s.eb,
	})

	s.service.roster = roster.NewRegistry(roster.Config{
		EventBus: s.eb,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:   e,
		EventBus: s.eb,
		Gateway:  s.gateway,
		Poll:     s.service.poll,
		Chat:     s.service.chat,
		Roster:   s.service.roster,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, "server: consuming broadcast bridge")
		return s.gateway.Run(ctx)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.eb.Stop()

	s.infra.postgres.poll.Close()
	s.infra.postgres.chat.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
