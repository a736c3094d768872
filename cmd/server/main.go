package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ati-tutor/tutor-chat/internal/api"
	"github.com/ati-tutor/tutor-chat/internal/auth"
	"github.com/ati-tutor/tutor-chat/internal/config"
	"github.com/ati-tutor/tutor-chat/internal/core"
	"github.com/ati-tutor/tutor-chat/internal/ingest"
	"github.com/ati-tutor/tutor-chat/internal/store"
	"github.com/ati-tutor/tutor-chat/internal/transcribe"
)

func main() {
	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	addrFlag := flag.String("addr", "", "Listen address (defaults to :HTTP_PORT)")
	configFlag := flag.String("config", "", "Tutor settings file (defaults to TUTOR_CONFIG)")
	ingestFlag := flag.Bool("ingest", false, "Build the document index from DOCUMENTS_DIR and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}
	settingsPath := cfg.TutorConfig
	if *configFlag != "" {
		settingsPath = *configFlag
	}
	settings, err := config.LoadTutorSettings(settingsPath)
	if err != nil {
		log.Fatalf("Failed to load tutor settings: %v", err)
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL, store.WithCredentialFallback(cfg.OpenAIAPIKey))
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()
	credentials := auth.NewCredentials(dbStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize model gateway and embeddings
	llmService := core.NewLLMService(cfg.OpenAIBaseURL,
		core.WithMaxRetries(cfg.MaxRetries),
		core.WithRetryBaseDelay(cfg.RetryBaseDelay),
		core.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 2 * time.Minute,
			},
		}),
	)
	embedder, closeEmbedder, err := newEmbedder(ctx, cfg, credentials)
	if err != nil {
		log.Fatalf("Failed to initialize embeddings: %v", err)
	}
	defer closeEmbedder()

	ragService := core.NewRAGService(embedder, llmService, dbStore)
	tutorService := core.NewTutorService(ragService, cfg.DocumentsDir, settingsPath, settings, cfg.ChatTemperature, credentials.Key)

	if *ingestFlag {
		log.Println("Starting document ingestion...")
		status, err := tutorService.Initialize(ctx)
		if err != nil {
			log.Fatalf("Document ingestion failed: %v", err)
		}
		log.Printf("Document ingestion complete. Indexed %d chunks. Exiting.", status.Chunks)
		return
	}

	if _, err := tutorService.Restore(); err != nil {
		log.Printf("Warning: could not restore index snapshot: %v", err)
	}

	if cfg.WatchDocuments {
		if err := os.MkdirAll(cfg.DocumentsDir, 0o755); err != nil {
			log.Fatalf("Failed to create documents folder: %v", err)
		}
		watcher, err := ingest.NewWatcher()
		if err != nil {
			log.Fatalf("Failed to start document watcher: %v", err)
		}
		defer watcher.Stop()
		events, err := watcher.Watch(ctx, cfg.DocumentsDir)
		if err != nil {
			log.Fatalf("Failed to watch %s: %v", cfg.DocumentsDir, err)
		}
		go tutorService.FollowDocuments(ctx, events, cfg.AutoReindex)
	}

	chatService := core.NewChatService(dbStore, llmService)
	transcriber := transcribe.NewClient(cfg.OpenAIBaseURL, cfg.TranscriptionModel, cfg.TranscriptionLanguage)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(chatService, tutorService, credentials, transcriber, api.Options{
		DocumentsDir: cfg.DocumentsDir,
		ChatModel:    cfg.ChatModel,
		Temperature:  cfg.ChatTemperature,
	})
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := *addrFlag
	if serverAddr == "" {
		serverAddr = fmt.Sprintf(":%s", cfg.HTTPPort)
	}

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second, // Uploads and recordings
		WriteTimeout: 5 * time.Minute,  // Index builds can take time
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	<-ctx.Done() // Block until a signal is received
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exiting gracefully")
}

// newEmbedder picks the embedding backend named by EMBEDDING_PROVIDER.
func newEmbedder(ctx context.Context, cfg *config.Config, creds *auth.Credentials) (core.Embedder, func(), error) {
	switch cfg.EmbeddingProvider {
	case "gemini":
		e, err := core.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, cfg.EmbeddingRate)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Using Gemini embeddings (%s)", cfg.EmbeddingModel)
		return e, e.Close, nil
	default:
		log.Printf("Using OpenAI embeddings (%s)", cfg.EmbeddingModel)
		e := core.NewOpenAIEmbedder(cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingBatchSize, cfg.EmbeddingRate, creds.Key)
		return e, func() {}, nil
	}
}
