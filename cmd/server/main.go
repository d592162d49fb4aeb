package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/maneesh/labarchive/internal/archive"
	"github.com/maneesh/labarchive/internal/chunker"
	"github.com/maneesh/labarchive/internal/config"
	"github.com/maneesh/labarchive/internal/delivery"
	"github.com/maneesh/labarchive/internal/handlers"
	"github.com/maneesh/labarchive/internal/pipeline"
	"github.com/maneesh/labarchive/internal/policy"
	"github.com/maneesh/labarchive/internal/storage"
	"github.com/maneesh/labarchive/internal/tracing"
	"github.com/maneesh/labarchive/internal/workspace"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	envFile := pflag.String("env-file", ".env", "optional file of KEY=VALUE settings")
	port := pflag.String("port", "", "listen port (overrides SERVICE_PORT)")
	workspaceDir := pflag.String("workspace", "", "session workspace root (overrides WORKSPACE_DIR)")
	pflag.Parse()

	log.Printf("Starting LabArchive service %s...", version)

	// Load configuration
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.ServicePort = *port
	}
	if *workspaceDir != "" {
		cfg.WorkspaceDir = *workspaceDir
	}

	log.Printf("Service: %s, Port: %s, Workspace: %s", cfg.ServiceName, cfg.ServicePort, cfg.WorkspaceDir)
	log.Printf("Limits: %s per file, %d files per request", humanize.IBytes(uint64(policy.MaxFileSize)), policy.MaxFiles)

	// Initialize OpenTelemetry tracing
	shutdownTracer := tracing.InitPropagation()
	if cfg.TracingEnabled {
		shutdownTracer, err = tracing.InitTracer(cfg.ServiceName, version, cfg.JaegerEndpoint)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	// Initialize Redis client
	var redisClient *storage.RedisClient
	if cfg.RedisEnabled {
		log.Println("Connecting to Redis...")
		redisClient, err = storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to initialize Redis client: %v", err)
		}
		defer redisClient.Close()
		log.Println("Redis client initialized")
	}

	// Initialize TiDB client
	var tidbClient *storage.TiDBClient
	if cfg.TiDBEnabled {
		log.Println("Connecting to TiDB...")
		tidbClient, err = storage.NewTiDBClient(cfg.GetDSN())
		if err != nil {
			log.Fatalf("Failed to initialize TiDB client: %v", err)
		}
		defer tidbClient.Close()
		if err := tidbClient.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Failed to prepare TiDB schema: %v", err)
		}
		log.Println("TiDB client initialized")
	}

	// Initialize MinIO client
	var minioClient *storage.MinioClient
	if cfg.MinIOEnabled {
		log.Println("Connecting to MinIO...")
		minioClient, err = storage.NewMinioClient(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
		if err != nil {
			log.Fatalf("Failed to initialize MinIO client: %v", err)
		}
		log.Println("MinIO client initialized")
	}

	// Initialize chunker
	chunkerInstance := chunker.NewChunker(cfg.GetChunkSizeBytes())
	log.Printf("Streaming in %s chunks", humanize.IBytes(uint64(chunkerInstance.ChunkSize())))

	// Initialize workspace
	var sequencer workspace.Sequencer
	if redisClient != nil {
		sequencer = redisClient
	}
	ws, err := workspace.NewManager(cfg.WorkspaceDir, workspace.NewAllocator(sequencer), chunkerInstance)
	if err != nil {
		log.Fatalf("Failed to initialize workspace: %v", err)
	}
	if removed, err := ws.SweepStale(cfg.StaleSessionAge); err != nil {
		log.Printf("Warning: failed to sweep workspace: %v", err)
	} else if removed > 0 {
		log.Printf("Removed %d stale session(s) from %s", removed, ws.Root())
	}

	// Initialize pipeline
	var jobStore *storage.JobStore
	var recorder pipeline.JobRecorder
	if tidbClient != nil || redisClient != nil {
		jobStore = storage.NewJobStore(tidbClient, redisClient)
		recorder = jobStore
	}
	p := pipeline.New(ws, archive.NewBuilder(chunkerInstance), delivery.NewCoordinator(ws), recorder)

	// Initialize handlers
	uploadHandler := handlers.NewUploadHandler(p, chunkerInstance, cfg.RequestTimeout)

	// Setup HTTP router
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	// Health check endpoint (no tracing needed)
	api.HandleFunc("/health", handlers.HealthHandler).Methods("GET")

	api.Handle("/zipUpload", otelhttp.NewHandler(uploadHandler, "POST /api/zipUpload")).Methods("POST")
	if minioClient != nil {
		exportHandler := handlers.NewExportHandler(p, minioClient, cfg.RequestTimeout)
		api.Handle("/export", otelhttp.NewHandler(exportHandler, "POST /api/export")).Methods("POST")
	}
	if jobStore != nil {
		jobHandler := handlers.NewJobHandler(jobStore)
		api.Handle("/jobs/{token}", otelhttp.NewHandler(jobHandler, "GET /api/jobs/{token}")).Methods("GET")
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout + 10*time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepPeriodically(sweepCtx, ws, cfg.StaleSessionAge)

	// Start server in a goroutine
	go func() {
		log.Printf("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// sweepPeriodically removes sessions left behind by crashed requests
func sweepPeriodically(ctx context.Context, ws *workspace.Manager, age time.Duration) {
	interval := age / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := ws.SweepStale(age); err != nil {
				log.Printf("Warning: failed to sweep workspace: %v", err)
			} else if removed > 0 {
				log.Printf("Removed %d stale session(s)", removed)
			}
		}
	}
}
