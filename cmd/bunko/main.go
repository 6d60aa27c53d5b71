// Package main is the Bunko CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bunkodb/bunko/internal/cli"
	"github.com/bunkodb/bunko/internal/config"
	"github.com/bunkodb/bunko/internal/embedding"
	"github.com/bunkodb/bunko/internal/index"
	"github.com/bunkodb/bunko/internal/models"
	"github.com/bunkodb/bunko/internal/processor"
	"github.com/bunkodb/bunko/internal/server"
	"github.com/bunkodb/bunko/internal/service"
	"github.com/bunkodb/bunko/internal/storage"
	"github.com/bunkodb/bunko/internal/watcher"
	"github.com/bunkodb/bunko/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/bunko/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used instead. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "query":
		runQuery()
	case "index":
		runIndex()
	case "remove":
		runRemove()
	case "rebuild":
		runRebuild()
	case "resync":
		runResync()
	case "status":
		runStatus()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("bunko version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	svc := components.Service
	serverOpts := []server.ServerOption{}
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if cfg.Watch.Enabled {
		watchOpts := []watcher.Option{}
		if debugMode {
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		watch := watcher.New(
			cfg.Watch.Directories,
			cfg.Indexing.Extensions,
			cfg.Watch.RecursiveOrDefault(),
			func(path string) {
				if res := svc.IndexFile(context.Background(), path); !res.Success {
					logger.Warn("watch index file failed", zap.String("path", path), zap.String("error", res.Error))
				}
			},
			func(path string) {
				if res := svc.RemoveFile(context.Background(), path); !res.Success {
					logger.Debug("watch remove skipped", zap.String("path", path), zap.String("error", res.Error))
				}
			},
			watchOpts...,
		)
		if err := watch.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer watch.Stop()
		watch.SyncExistingFiles()
		serverOpts = append(serverOpts, server.WithWatcher(watch, resolvedConfigPath))
	}

	srv := server.NewServer(svc, cfg, logger, serverOpts...)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// buildQueryText joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQueryText(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// queryArgsReorder moves any flags (and their values) that appear after the
// query text to the front of the slice so that flag.Parse() sees them. Go's
// flag package stops at the first non-flag argument.
func queryArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func printQueryUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: bunko query [flags] <text>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  bunko query machine learning
  bunko query "machine learning"          # same as above
  bunko query --top-k 20 neural networks
  bunko query --output json some query    # structured JSON for other apps
`)
}

func runQuery() {
	queryArgs := queryArgsReorder(os.Args[2:])
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage when server is not running)")
	topK := fs.Int("top-k", 0, "number of results (default from config)")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	fs.Usage = func() { printQueryUsage(fs) }
	_ = fs.Parse(queryArgs)

	if fs.NArg() < 1 {
		printQueryUsage(fs)
		os.Exit(1)
	}
	text := buildQueryText(fs.Args())
	if text == "" {
		printQueryUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if *serverURL != "" {
		// Use the HTTP API when a server is running (avoids SQLite lock conflicts).
		response, err := queryViaHTTP(*serverURL, text, *topK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
			os.Exit(1)
		}
		if err := cli.WriteQueryResults(os.Stdout, response, format); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	k := *topK
	if k <= 0 {
		k = cfg.Query.DefaultTopK
	}
	response, err := components.Service.Query(context.Background(), text, k)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteQueryResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func queryViaHTTP(serverURL, text string, topK int) (*models.QueryResponse, error) {
	body, err := json.Marshal(map[string]interface{}{"query": text, "top_k": topK})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/query", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var response models.QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: bunko index [flags] <file-or-directory>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	components := mustInitialize(*configPath)
	defer components.Close()

	ctx := context.Background()
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("Failed to stat path: %v\n", err)
		os.Exit(1)
	}
	if info.IsDir() {
		n, err := components.Service.IndexDirectory(ctx, path)
		if err != nil {
			fmt.Printf("Indexing directory failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Indexed %d file(s) from %s\n", n, path)
		return
	}
	res := components.Service.IndexFile(ctx, path)
	if !res.Success {
		fmt.Printf("Indexing failed: %s\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("Indexed %s (%d vectors)\n", path, res.VectorsAdded)
}

func runRemove() {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: bunko remove [flags] <file>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	components := mustInitialize(*configPath)
	defer components.Close()

	res := components.Service.RemoveFile(context.Background(), path)
	if !res.Success {
		fmt.Printf("Removal failed: %s\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("Removed %s (%d vectors)\n", path, res.VectorsRemoved)
}

func runRebuild() {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: bunko rebuild [flags] <directory>")
		os.Exit(1)
	}
	dir := fs.Arg(0)

	components := mustInitialize(*configPath)
	defer components.Close()

	res := components.Service.RebuildFromDirectory(context.Background(), dir)
	if !res.Success {
		fmt.Printf("Rebuild failed: %s\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("Rebuilt index: %d document(s), %d vector(s)\n", res.DocumentsIndexed, res.TotalVectors)
}

func runResync() {
	fs := flag.NewFlagSet("resync", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	components := mustInitialize(*configPath)
	defer components.Close()

	res := components.Service.Resync(context.Background())
	if !res.Success {
		fmt.Printf("Resync failed: %s\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("Resynced index: %d document(s), %d vector(s)\n", res.DocumentsIndexed, res.TotalVectors)
}

// statusResponse is the shape of the GET /api/v1/status response.
type statusResponse struct {
	Documents      int                    `json:"documents"`
	Vectors        int                    `json:"vectors"`
	DiskUsageBytes *int64                 `json:"disk_usage_bytes,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status statusResponse
	if *serverURL != "" {
		res, err := statusViaHTTP(*serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		status = *res
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		logger, err := utils.NewLogger(cfg.Debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
		components, err := initializeComponents(cfg, logger, cfg.Debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		defer components.Close()
		info := components.Service.Status()
		status = statusResponse{
			Documents: info.TotalDocuments,
			Vectors:   info.TotalVectors,
			Config: map[string]interface{}{
				"embedding_dimensions": cfg.Embedding.Dimensions,
				"chunk_size":           cfg.Indexing.ChunkSize,
				"chunk_overlap":        cfg.Indexing.ChunkOverlap,
				"index_dir":            cfg.Storage.IndexDir,
				"database_path":        cfg.Storage.DatabasePath,
			},
		}
		diskBytes, err := storage.DiskUsageBytes(cfg.Storage.IndexDir, cfg.Storage.DatabasePath, cfg.Storage.DataDir)
		if err == nil {
			status.DiskUsageBytes = &diskBytes
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("documents:         %d   # count of indexed documents\n", status.Documents)
		fmt.Printf("vectors:           %d   # count of vectors in the index\n", status.Vectors)
		if status.DiskUsageBytes != nil {
			fmt.Printf("disk_usage_bytes:  %d   # index + chunk database on disk\n", *status.DiskUsageBytes)
		}
		if len(status.Config) > 0 {
			fmt.Println()
			fmt.Println("# configuration")
			for _, key := range []string{"embedding_dimensions", "chunk_size", "chunk_overlap", "index_dir", "database_path"} {
				if v, ok := status.Config[key]; ok {
					fmt.Printf("%-21s%v\n", key+":", v)
				}
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func statusViaHTTP(serverURL string) (*statusResponse, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: bunko watch <add|remove|list> [path]")
		fmt.Println("  bunko watch add <path>     Add directory to watch")
		fmt.Println("  bunko watch remove <path>  Remove directory from watch")
		fmt.Println("  bunko watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[3:])
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fmt.Println("Usage: bunko watch add <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body, _ := json.Marshal(map[string]interface{}{"path": path, "sync": true})
		resp, err := http.Post(*serverURL+"/api/v1/watch/directories", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("Add failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fmt.Println("Usage: bunko watch remove <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		req, _ := http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/watch/directories?path="+url.QueryEscape(path), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("Remove failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		resp, err := http.Get(*serverURL + "/api/v1/watch/directories")
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("List failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Printf("Parse failed: %v\n", err)
			os.Exit(1)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fmt.Printf("Unknown watch subcommand: %s\n", sub)
		os.Exit(1)
	}
}

// Components holds initialized services.
type Components struct {
	Storage  storage.Storage
	Embedder embedding.Embedder
	Manager  *index.Manager
	Service  *service.Service
}

func (c *Components) Close() {
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var embedder embedding.Embedder
	onnxEmbedder, err := embedding.NewONNXEmbedder(
		cfg.Embedding.ModelPath,
		cfg.Embedding.Dimensions,
		cfg.Embedding.MaxTokens,
		cfg.Embedding.CacheSize,
	)
	if err != nil {
		logger.Warn("ONNX embedder unavailable, using deterministic fallback", zap.Error(err))
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	} else {
		embedder = onnxEmbedder
	}

	mgrOpts := []index.Option{}
	if debug {
		mgrOpts = append(mgrOpts, index.WithLogger(logger))
	}
	mgr, err := index.NewManager(cfg.Storage.IndexDir, cfg.Embedding.Dimensions, store, mgrOpts...)
	if err != nil {
		_ = store.Close()
		_ = embedder.Close()
		return nil, fmt.Errorf("failed to initialize index manager: %w", err)
	}
	logger.Info("index loaded",
		zap.String("index_dir", cfg.Storage.IndexDir),
		zap.Int("vectors", mgr.Count()),
		zap.Int("dimensions", mgr.Dim()))

	proc := processor.New(cfg.Indexing.ChunkSize, cfg.Indexing.ChunkOverlap,
		processor.WithExtensions(cfg.Indexing.Extensions))

	svcOpts := []service.Option{}
	if debug {
		svcOpts = append(svcOpts, service.WithLogger(logger))
	}
	svc := service.New(mgr, proc, embedder, store, svcOpts...)

	return &Components{
		Storage:  store,
		Embedder: embedder,
		Manager:  mgr,
		Service:  svc,
	}, nil
}

// mustInitialize loads config, builds the logger and components, and exits
// on any failure. Shared by the one-shot subcommands.
func mustInitialize(configPath string) *Components {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return components
}

func printUsage() {
	fmt.Println(`bunko - Local semantic document index

Usage:
  bunko server [flags]            Start the HTTP server
  bunko query [flags] <text>      Similarity-search indexed documents
  bunko index [flags] <path>      Index a file or directory
  bunko remove [flags] <file>     Remove a file from the index
  bunko rebuild [flags] <dir>     Rebuild the index from a directory
  bunko resync [flags]            Reprocess every indexed file from disk
  bunko status [flags]            Show index status
  bunko watch <add|remove|list>   Manage watched directories
  bunko version                   Show version
  bunko help                      Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/bunko/config.yaml)
  --debug            Enable debug logging

Query Flags:
  --config string    Config file path (for direct storage mode)
  --server string    Server URL (default: http://localhost:8080). Use empty (--server "") for direct storage.
  --top-k int        Number of results (default from config)
  --output string    Output format: text, compact, or json (default: text)

Status Flags:
  --config string    Config file path (for direct storage mode)
  --server string    Server URL (default: http://localhost:8080). Use empty (--server "") for direct storage.
  --output string    Output format: text or json (default: text)

Watch Flags:
  --server string    Server URL (default: http://localhost:8080)

Examples:
  bunko server
  bunko index ./docs
  bunko query "vector databases"
  bunko query --output json some query
  bunko remove ./docs/old.txt
  bunko rebuild ./docs
  bunko status
  bunko watch add /path/to/docs`)
}
