package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
	"github.com/dotsetgreg/dotmemory/pkg/session"
)

type globalOptions struct {
	configPath string
	debug      bool
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("DOTMEMORY_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotmemory", "config.json")
}

// loadDotEnv reads .env from the working directory when present. Variables
// already set in the environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func loadConfig(opts *globalOptions) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	path := opts.configPath
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is the wired pipeline shared by every command that touches memory.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	store *memory.Store
	orch  *session.Orchestrator

	closers []func()
}

func openApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	log, flush := logger.New(logger.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	a := &app{cfg: cfg, log: log, closers: []func(){flush}}

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	store, err := memory.OpenStore(ctx, cfg.DBPath(), cfg.Storage.IndexEnabled, cfg.IndexDir(), a.log,
		memory.WithIndexTimeout(cfg.IndexTimeout()))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing memory store")
		}
	})

	embedder, release, err := providers.CreateEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	a.closers = append(a.closers, release)

	responder, err := providers.CreateResponder(cfg)
	if err != nil {
		return fmt.Errorf("create responder: %w", err)
	}

	retriever, err := memory.NewRetriever(store, embedder, retrieverConfig(cfg.Retrieval), a.log)
	if err != nil {
		return err
	}

	orch, err := session.New(session.Options{
		Store: store,
		Extractor: memory.NewExtractor(memory.ExtractorConfig{
			Rules:               memory.DefaultRules(),
			MinConfidence:       cfg.Extraction.MinConfidence,
			DuplicateSimilarity: cfg.Extraction.DuplicateSimilarity,
		}),
		Retriever:     retriever,
		Responder:     responder,
		Embedder:      embedder,
		MaxMemories:   cfg.Retrieval.MaxMemories,
		MinConfidence: cfg.Extraction.MinConfidence,
		Logger:        a.log,
	})
	if err != nil {
		return err
	}
	a.orch = orch

	embedderID := "none"
	if embedder != nil {
		embedderID = embedder.ModelID()
	}
	a.log.Debug().
		Str("db", cfg.DBPath()).
		Bool("similarity", store.SimilarityAvailable()).
		Str("embedder", embedderID).
		Str("responder", providers.ResponderName(cfg)).
		Msg("memory pipeline ready")
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func retrieverConfig(c config.RetrievalConfig) memory.RetrieverConfig {
	rc := memory.DefaultRetrieverConfig()
	rc.Weights = memory.Weights{
		Recency:    c.Weights.Recency,
		Confidence: c.Weights.Confidence,
		Access:     c.Weights.Access,
		Similarity: c.Weights.Similarity,
	}
	if c.TypeCap > 0 {
		rc.TypeCap = c.TypeCap
	}
	if c.HalfLifeTurns > 0 {
		rc.HalfLifeTurns = c.HalfLifeTurns
	}
	if c.RecencyFloor > 0 {
		rc.RecencyFloor = c.RecencyFloor
	}
	if c.AccessSaturation > 0 {
		rc.AccessSaturation = c.AccessSaturation
	}
	if c.NeutralSimilarity > 0 {
		rc.NeutralSimilarity = c.NeutralSimilarity
	}
	if c.FullScanLimit > 0 {
		rc.FullScanLimit = c.FullScanLimit
	}
	if c.CandidateLimit > 0 {
		rc.CandidateLimit = c.CandidateLimit
	}
	if c.RecentWindow > 0 {
		rc.RecentWindow = c.RecentWindow
	}
	if c.CriticalConfidence > 0 {
		rc.CriticalConfidence = c.CriticalConfidence
	}
	rc.MinScore = c.MinScore
	return rc
}
