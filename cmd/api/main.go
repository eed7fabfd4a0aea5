package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chatstream-api/internal/inflight"
	"chatstream-api/internal/ledger"
	"chatstream-api/internal/middleware"
	"chatstream-api/internal/monitor"
	"chatstream-api/internal/orchestrator"
	"chatstream-api/internal/records"
	"chatstream-api/internal/routers"
	"chatstream-api/internal/shared"
	"chatstream-api/internal/storage"
	"chatstream-api/internal/title"
	"chatstream-api/internal/upstream"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	writeDSN := flag.String("dsn", "", "Write DSN")
	readDSN := flag.String("read-dsn", "", "Read replica DSN, defaults to the write DSN")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	redisAddr := flag.String("redis-addr", "", "Redis host:port, caching is off when empty")
	debug := flag.Bool("debug", false, "Debug enabled")
	listenAddr := flag.String("listen-addr", ":80", "HTTP listen address")

	heartbeatInterval := flag.Duration("heartbeat-interval", shared.DefaultHeartbeatInterval, "Keepalive interval")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", shared.DefaultLivenessTimeout, "Declare a client dead after this long without a successful write")
	writeTimeout := flag.Duration("write-timeout", shared.DefaultLivenessTimeout, "Deadline for a single event write")
	firstChunkTimeout := flag.Duration("first-chunk-timeout", shared.DefaultFirstChunkTimeout, "Wait for the first upstream chunk")

	upstreamKind := flag.String("upstream", "http", "Content source: http or openai")
	openAIKey := flag.String("openai-api-key", "", "OpenAI compatible API key")
	openAIBaseURL := flag.String("openai-base-url", "", "OpenAI compatible base URL")
	titleModel := flag.String("title-model", "", "Model used for session titles, the chat model is used when empty")
	titleTimeout := flag.Duration("title-timeout", shared.DefaultTitleTimeout, "Title generation timeout")

	systemPrompt := flag.String("system-prompt", "", "System prompt sent before the history")
	historyTurns := flag.Int("history-turns", shared.DefaultHistoryTurns, "Completed exchanges sent as context")
	textTokenRatio := flag.Float64("text-token-ratio", shared.DefaultTextTokenRatio, "Estimated tokens per character")
	partialFloor := flag.Int64("partial-floor-tokens", shared.DefaultPartialFloorTokens, "Minimum charge for a failed stream that produced text")

	storageBackend := flag.String("storage", "inline", "Attachment storage: inline, s3 or gcs")
	bucket := flag.String("storage-bucket", "", "Attachment bucket")
	storagePrefix := flag.String("storage-prefix", "attachments", "Attachment key prefix")
	storagePublicURL := flag.String("storage-public-url", "", "Public base URL for stored attachments")
	s3Region := flag.String("s3-region", "", "S3 region")
	s3Endpoint := flag.String("s3-endpoint", "", "S3 compatible endpoint")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret key")
	gcsCredentials := flag.String("gcs-credentials-file", "", "GCS service account file")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	if *readDSN == "" {
		*readDSN = *writeDSN
	}

	// Write DB init
	writeDB, err := sql.Open("mysql", *writeDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
	}
	err = writeDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed ping to sql db: %s", err))
	}

	// Read db init
	readDB, err := sql.Open("mysql", *readDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing readSqlClient: %s", err))
	}
	err = readDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed to ping read replica sql db: %s", err))
	}

	// Load Redis connection
	var redisClient *redis.Client
	if *redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: "",
			DB:       0,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			panic(fmt.Sprintf("failed ping to redis db: %s", err))
		}
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if writeDB != nil {
			_ = writeDB.Close()
		}
		if readDB != nil {
			_ = readDB.Close()
		}
	}()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()
	defer func() {
		_ = log.Sync()
	}()

	// Content source
	var source upstream.Source
	switch *upstreamKind {
	case "http":
		source = upstream.NewHTTPSource(log, *firstChunkTimeout)
	case "openai":
		source = upstream.NewOpenAISource(*openAIKey, *openAIBaseURL)
	default:
		panic(fmt.Sprintf("unknown upstream %q", *upstreamKind))
	}

	// Attachment storage
	var uploader storage.Uploader
	switch *storageBackend {
	case "inline":
		uploader = storage.InlineUploader{}
	case "s3":
		uploader, err = storage.NewS3Uploader(context.Background(), storage.S3Config{
			Bucket:    *bucket,
			Region:    *s3Region,
			Endpoint:  *s3Endpoint,
			AccessKey: *s3AccessKey,
			SecretKey: *s3SecretKey,
			PublicURL: *storagePublicURL,
			Prefix:    *storagePrefix,
		})
	case "gcs":
		uploader, err = storage.NewGCSUploader(context.Background(), storage.GCSConfig{
			Bucket:          *bucket,
			CredentialsFile: *gcsCredentials,
			PublicURL:       *storagePublicURL,
			Prefix:          *storagePrefix,
		})
	default:
		err = fmt.Errorf("unknown storage %q", *storageBackend)
	}
	if err != nil {
		panic(fmt.Sprintf("failed initializing storage: %s", err))
	}

	store := records.New(writeDB, readDB, log)

	// Title generation
	var titleGen title.Generator = title.NewSourceGenerator(source)
	if *titleModel != "" {
		titleGen, err = title.NewLangchainGenerator(*titleModel, *openAIKey, *openAIBaseURL)
		if err != nil {
			panic(fmt.Sprintf("failed initializing title model: %s", err))
		}
	}

	l := ledger.New(writeDB, readDB, log, ledger.Config{
		TextTokenRatio:     *textTokenRatio,
		PartialFloorTokens: *partialFloor,
	})
	orch := orchestrator.New(
		l,
		store,
		upstream.NewRegistry(readDB, redisClient, log),
		source,
		uploader,
		title.NewTrigger(store, titleGen, log, *titleTimeout),
		log,
		orchestrator.Config{
			Monitor:        monitor.Config{Interval: *heartbeatInterval, Timeout: *heartbeatTimeout},
			SystemPrompt:   *systemPrompt,
			HistoryTurns:   *historyTurns,
			PersistTimeout: shared.DefaultPersistTimeout,
		},
	)

	// Exchanges a previous process left open can never finish
	failed, err := store.FailStale(context.Background(), shared.StaleExchangeAge)
	if err != nil {
		log.Errorw("Failed closing stale exchanges", "error", err)
	} else if failed > 0 {
		log.Warnw("Closed stale exchanges", "count", failed)
	}

	tracker := inflight.NewTracker(log)

	e := echo.New()
	e.HideBanner = true
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey, err := shared.ExtractAPIKey(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}

			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))
	base.Use(emw.BodyLimit(fmt.Sprintf("%dK", shared.MaxRequestBodyKB)))

	routers.RegisterChatRoutes(base, routers.ChatRouterConfig{
		Orchestrator: orch,
		Records:      store,
		Ledger:       l,
		Inflight:     tracker,
		WriteTimeout: *writeTimeout,
	}, middleware.NewUserMiddleware(redisClient, readDB, log), log)

	go func() {
		if err := e.Start(*listenAddr); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	// Stop taking streams, let live ones settle, then close the server
	ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := tracker.Shutdown(ctx); err != nil {
		log.Errorw("Inflight streams did not drain", "error", err)
	}
	if err := e.Shutdown(ctx); err != nil {
		e.Logger.Fatal(err)
	}
}
