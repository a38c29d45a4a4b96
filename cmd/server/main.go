package main

import (
	"net/http"
	"os"

	"github.com/dealsense/dealsense/internal/api"
	"github.com/dealsense/dealsense/internal/db"
	"github.com/dealsense/dealsense/internal/session"
	"github.com/dealsense/dealsense/internal/syncer"
	"github.com/dealsense/dealsense/internal/transport"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	dbPath := envOr("DEALSENSE_DB", "dealsense.db")
	database, err := db.New(dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", dbPath))
	}
	defer database.Close()

	token := func() (string, error) { return os.Getenv("DEALSENSE_TOKEN"), nil }

	var remote syncer.Remote
	if baseURL := os.Getenv("DEALSENSE_SYNC_URL"); baseURL != "" {
		remote = syncer.NewHTTPRemote(baseURL, token)
	}
	reconciler := syncer.New(database, remote, logger)
	defer reconciler.Stop()

	var tr transport.Transport
	if agentURL := os.Getenv("DEALSENSE_AGENT_URL"); agentURL != "" {
		tr = transport.NewHTTPTransport(agentURL, token)
	} else {
		// Local development fallback: drive an ollama model as a
		// non-streaming agent endpoint.
		llmTransport, err := transport.NewLLMTransport(
			envOr("OPENAI_BASE_URL", "http://localhost:11434/v1/"),
			os.Getenv("OPENAI_API_KEY"),
			envOr("DEALSENSE_MODEL", "llama3.1:8b"),
		)
		if err != nil {
			logger.Fatal("failed to initialize LLM transport", zap.Error(err))
		}
		tr = llmTransport
	}

	userID := envOr("DEALSENSE_USER", "local")
	svc, err := session.NewService(userID, database, reconciler, tr, nil, session.Config{}, logger)
	if err != nil {
		logger.Fatal("failed to initialize session service", zap.Error(err))
	}

	handler := api.NewHandler(database, svc, logger)

	http.HandleFunc("/api/message", handler.HandleMessage)
	http.HandleFunc("/api/store", handler.GetStore)
	http.HandleFunc("/api/export/transcript", handler.ExportTranscript)
	http.HandleFunc("/api/export/session", handler.ExportDump)
	http.HandleFunc("/api/context", handler.UpdateContext)
	http.HandleFunc("/api/insights", handler.AddInsight)
	http.HandleFunc("/api/sessions/clear", handler.ClearSession)
	http.HandleFunc("/api/sync", handler.Sync)
	http.HandleFunc("/api/documents", handler.ListDocuments)

	logger.Info("Starting server on :8100")
	if err := http.ListenAndServe(":8100", nil); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
