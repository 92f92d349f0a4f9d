package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/farmigo/internal/adapter/handler"
	"github.com/rl1809/farmigo/internal/adapter/messaging"
	"github.com/rl1809/farmigo/internal/adapter/storage"
	"github.com/rl1809/farmigo/internal/config"
	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/core/service"
	"github.com/rl1809/farmigo/internal/port"
)

func main() {
	app := &cli.App{
		Name:  "farmigo",
		Usage: "produce marketplace backend",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP and gRPC servers",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "storage", Usage: "override STORAGE_DRIVER (mysql|memory)"},
					&cli.BoolFlag{Name: "migrate", Usage: "apply migrations before serving"},
				},
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations",
				Action: migrateUp,
			},
			{
				Name:  "create-user",
				Usage: "create an account, admin by default",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "password", Required: true},
					&cli.StringFlag{Name: "role", Value: string(domain.RoleAdmin)},
				},
				Action: createUser,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("farmigo exited")
	}
}

type stores struct {
	stock   port.StockStore
	catalog port.CatalogRepository
	orders  port.OrderRepository
	users   port.UserRepository
	idem    port.IdempotencyStore
	stats   port.StatsCache
	closers []func() error
}

func (s *stores) Close(logger logrus.FieldLogger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.WithError(err).Warn("close failed")
		}
	}
}

func openStores(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*stores, error) {
	s := &stores{}
	local := storage.NewMemoryAdapter()

	switch cfg.StorageDriver {
	case config.StorageMemory:
		s.stock, s.catalog, s.orders, s.users = local, local, local, local
		logger.Warn("using in-memory storage, data is lost on exit")
	default:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, errors.Wrap(err, "open mysql")
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "ping mysql")
		}
		s.closers = append(s.closers, db.Close)
		logger.Info("connected to mysql")

		mysql := storage.NewMySQLAdapter(db)
		s.stock, s.catalog, s.orders, s.users = mysql, mysql, mysql, mysql
	}

	if cfg.RedisAddr == "" {
		s.idem, s.stats = local, local
		return s, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
	if err := rdb.Ping(ctx).Err(); err != nil {
		s.Close(logger)
		return nil, errors.Wrap(err, "ping redis")
	}
	s.closers = append(s.closers, rdb.Close)
	logger.Info("connected to redis")

	r := storage.NewRedisAdapter(rdb, cfg.IdempotencyPendingTTL)
	s.idem, s.stats = r, r
	return s, nil
}

func serve(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if v := c.String("storage"); v != "" {
		cfg.StorageDriver = v
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	logger := config.NewLogger(cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	if c.Bool("migrate") && cfg.StorageDriver == config.StorageMySQL {
		version, err := storage.Migrate(cfg.MySQLDSN)
		if err != nil {
			return err
		}
		logger.WithField("version", version).Info("schema migrated")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(logger)

	var events port.EventPublisher = messaging.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafka := messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		st.closers = append(st.closers, kafka.Close)
		events = kafka
	}

	images, err := storage.NewLocalImageStore(cfg.UploadDir, "/uploads")
	if err != nil {
		return err
	}

	ledger := service.NewStockLedger(st.stock, cfg.LedgerOpTimeout, logger)
	tokens := service.NewTokenMaker(cfg.JWTSecret, cfg.JWTTTL)
	orders := service.NewOrderService(ledger, st.orders, st.idem, events, logger)
	catalog := service.NewCatalogService(st.catalog, ledger, images, logger)
	opts := service.DefaultReportOptions()
	opts.CacheTTL = cfg.StatsCacheTTL
	reports := service.NewReportService(st.orders, st.catalog, st.users, st.stats, opts, logger)
	auth := service.NewAuthService(st.users, tokens, cfg.BcryptCost, logger)

	httpHandler := handler.NewHTTPHandler(orders, catalog, reports, auth, tokens, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Router(handler.RouterOptions{CORSOrigins: cfg.CORSOrigins, UploadDir: cfg.UploadDir}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(orders, catalog, tokens, logger))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.GRPCAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.GRPCAddr).Info("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP shutdown")
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("connections closed")
	return nil
}

func migrateUp(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogLevel)

	version, err := storage.Migrate(cfg.MySQLDSN)
	if err != nil {
		return err
	}
	logger.WithField("version", version).Info("schema up to date")
	return nil
}

func createUser(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StorageDriver == config.StorageMemory {
		return errors.New("create-user needs persistent storage")
	}
	logger := config.NewLogger(cfg.LogLevel)

	st, err := openStores(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close(logger)

	auth := service.NewAuthService(st.users, service.NewTokenMaker(cfg.JWTSecret, cfg.JWTTTL), cfg.BcryptCost, logger)
	user, err := auth.CreateUser(c.Context, service.Registration{
		Name:     c.String("name"),
		Email:    c.String("email"),
		Password: c.String("password"),
		Role:     domain.Role(c.String("role")),
	})
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"user_id": user.ID, "role": user.Role}).Info("user created")
	return nil
}
