// Package bootstrap loads configuration and assembles the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "github.com/kliu/painttyServer/internal/handler/http"
	wsHandler "github.com/kliu/painttyServer/internal/handler/websocket"
	gormpersistence "github.com/kliu/painttyServer/internal/infra/persistence/gorm"
	"github.com/kliu/painttyServer/internal/infra/setup"
	"github.com/kliu/painttyServer/internal/manager"
	"github.com/kliu/painttyServer/internal/middleware"
	"github.com/kliu/painttyServer/internal/persist"
	"github.com/kliu/painttyServer/internal/registry"
	"github.com/kliu/painttyServer/internal/replication"
	"github.com/kliu/painttyServer/internal/room"
	"github.com/kliu/painttyServer/internal/router"
	"github.com/kliu/painttyServer/internal/updater"
	"github.com/kliu/painttyServer/internal/worker"
)

// Config is loaded from the environment (with .env support).
type Config struct {
	ManagerName      string
	LocalID          int
	MaxRoom          int
	ServerPort       string
	ServerAddress    string
	RefreshCycle     time.Duration
	CheckoutInterval time.Duration

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	LogLevel string
	AppEnv   string

	RateLimitMax    int
	RateLimitWindow time.Duration

	UpdateVersion    string
	UpdateLevel      int
	UpdateURLWindows string
	UpdateURLMac     string
	ChangelogDir     string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	// A .env file is optional; plain environment variables work too.
	_ = godotenv.Load()

	cfg := &Config{
		ManagerName:      envOr("MANAGER_NAME", "roommanager"),
		ServerPort:       envOr("SERVER_PORT", "8080"),
		ServerAddress:    envOr("SERVER_ADDRESS", "127.0.0.1"),
		DBUser:           os.Getenv("DB_USER"),
		DBPassword:       os.Getenv("DB_PASSWORD"),
		DBHost:           envOr("DB_HOST", "127.0.0.1"),
		DBPort:           envOr("DB_PORT", "3306"),
		DBName:           envOr("DB_NAME", "paintty_db"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:        envOr("REDIS_KEY_PREFIX", "paintty:"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		AppEnv:           envOr("APP_ENV", "development"),
		RateLimitMax:     100,
		RateLimitWindow:  time.Second,
		UpdateVersion:    envOr("UPDATE_VERSION", "0.0.0"),
		UpdateURLWindows: os.Getenv("UPDATE_URL_WINDOWS"),
		UpdateURLMac:     os.Getenv("UPDATE_URL_MAC"),
		ChangelogDir:     envOr("CHANGELOG_DIR", "./changelog"),
	}

	cfg.LocalID, _ = strconv.Atoi(os.Getenv("LOCAL_ID"))
	cfg.RedisDB, _ = strconv.Atoi(os.Getenv("REDIS_DB"))
	cfg.UpdateLevel, _ = strconv.Atoi(os.Getenv("UPDATE_LEVEL"))

	cfg.MaxRoom = 50
	if v := os.Getenv("MAX_ROOM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ROOM %q: %w", v, err)
		}
		cfg.MaxRoom = n
	}

	var err error
	if cfg.RefreshCycle, err = durationOr("ROOM_REFRESH_CYCLE", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CheckoutInterval, err = durationOr("ROOM_CHECKOUT_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	if cfg.DBUser == "" {
		return nil, fmt.Errorf("environment variable DB_USER must be set")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

// App holds every component of the running process.
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	Worker      *worker.WorkerServer
	Manager     *manager.Manager
	Channel     *replication.Channel
	Detector    *manager.OverloadDetector
	HttpServer  *http.Server
}

// NewApp creates and wires every component. The durable-store connection
// is established here: a failure aborts startup before anything listens.
func NewApp() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	logrus.SetLevel(logLevel)
	log.Info("Configuration loaded")

	db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	log.Info("Database initialized")

	if err := setup.MigrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.Info("Database migrated")

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	log.Info("Redis client initialized")

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	log.Info("Asynq client initialized")

	roomRepo := gormpersistence.NewGormRoomRepository(db)
	bridge := persist.NewBridge(asynqClient, roomRepo)
	reg := registry.New(cfg.MaxRoom)

	sender := fmt.Sprintf("%s-%d-%d", cfg.ManagerName, cfg.LocalID, os.Getpid())
	channel := replication.NewChannel(redisClient, cfg.KeyPrefix, sender)

	detector := manager.NewOverloadDetector(0, 0)

	mgr := manager.New(manager.Config{
		Name:          cfg.ManagerName,
		LocalID:       cfg.LocalID,
		MaxRoom:       cfg.MaxRoom,
		ServerAddress: cfg.ServerAddress,
		RefreshCycle:  cfg.RefreshCycle,
		Room: room.Config{
			CheckoutInterval: cfg.CheckoutInterval,
		},
	}, reg, bridge, channel, detector.Busy)

	rt := router.New()
	mgr.Register(rt)

	managerWS := wsHandler.NewManagerHandler(rt)
	updateSvc := updater.NewService(updater.Config{
		Version: cfg.UpdateVersion,
		Level:   cfg.UpdateLevel,
		URLs: map[string]string{
			"windows": cfg.UpdateURLWindows,
			"mac":     cfg.UpdateURLMac,
		},
		ChangelogDir: cfg.ChangelogDir,
	})
	updateHandler := httpHandler.NewUpdateHandler(updateSvc)

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggerMiddleware(log))
	engine.Use(middleware.RateLimit(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow))

	engine.GET("/ws/manager", managerWS.HandleConnection)
	engine.POST("/api/update", updateHandler.Check)
	engine.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	httpServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: engine,
	}

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		RedisClient: redisClient,
		AsynqClient: asynqClient,
		Worker:      worker.NewWorkerServer(redisOpt, roomRepo, log),
		Manager:     mgr,
		Channel:     channel,
		Detector:    detector,
		HttpServer:  httpServer,
	}, nil
}

// Start launches the background loops and the HTTP listener, then runs
// recovery. The listener does not wait for recovery: clients can connect
// while previously-owned rooms are still being rebuilt. A recovery query
// failure is fatal: the manager never declares itself ready on top of an
// unreadable store.
func (a *App) Start() {
	a.Detector.Start()

	go a.Worker.Start()
	a.Log.Info("Worker server routine started")

	a.Channel.Subscribe(a.Manager)
	go a.Manager.Run()
	a.Log.Info("Manager sweep routine started")

	go func() {
		a.Log.Infof("HTTP server listening on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening")
	}()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Manager.Recover(ctx); err != nil {
			a.Log.Fatalf("Room recovery failed: %v", err)
		}
		a.Log.Info("Manager ready")
	}()
}

// Shutdown tears the application down. Fire-and-forget persistence writes
// still queued are allowed to be lost.
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	a.Manager.Stop()
	a.Channel.Close()
	a.Worker.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	}

	if err := a.AsynqClient.Close(); err != nil {
		a.Log.Errorf("Error closing Asynq client: %v", err)
	}
	if err := a.RedisClient.Close(); err != nil {
		a.Log.Errorf("Error closing Redis connection: %v", err)
	}
	a.Detector.Stop()

	a.Log.Info("Application shutdown complete")
}

// LoggerMiddleware logs every HTTP request with its latency and status.
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
		} else if statusCode >= 500 {
			entry.Error("Server error")
		} else if statusCode >= 400 {
			entry.Warn("Client error")
		} else {
			entry.Info("Request handled")
		}
	}
}
