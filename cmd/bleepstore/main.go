// Command bleepstore runs the S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/e6qu/bleepstore-sub001/internal/cluster"
	"github.com/e6qu/bleepstore-sub001/internal/config"
	"github.com/e6qu/bleepstore-sub001/internal/logging"
	"github.com/e6qu/bleepstore-sub001/internal/metadata"
	"github.com/e6qu/bleepstore-sub001/internal/metrics"
	"github.com/e6qu/bleepstore-sub001/internal/server"
	"github.com/e6qu/bleepstore-sub001/internal/storage"
)

func main() {
	configPath := flag.String("config", "bleepstore.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port")
	host := flag.String("host", "", "override listening host")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "log format: text, json")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds")
	maxObjectSize := flag.Int64("max-object-size", 0, "maximum object size in bytes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.Server.LogFormat = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxObjectSize != 0 {
		cfg.Server.MaxObjectSize = *maxObjectSize
	}

	logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stderr)

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	ctx := context.Background()

	meta, err := openMetadataStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metadata store: %v\n", err)
		os.Exit(1)
	}
	if c, ok := meta.(io.Closer); ok {
		defer c.Close()
	}

	// Every startup doubles as recovery: re-seed the configured credential,
	// sweep stray temp files and reap abandoned uploads. All three are
	// idempotent, so a crash at any point just repeats them next boot.
	if err := seedCredential(ctx, meta, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "seed credential: %v\n", err)
		os.Exit(1)
	}

	store, err := openStorageBackend(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage backend: %v\n", err)
		os.Exit(1)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	if ttl := time.Duration(cfg.Metadata.UploadTTLSeconds) * time.Second; ttl > 0 {
		if reaper, ok := meta.(metadata.Reaper); ok {
			reapUploads(ctx, reaper, store, ttl)
			go reapLoop(ctx, reaper, store, ttl)
		}
	}

	if cfg.Cluster.Enabled {
		node := cluster.NewNode(cfg.Cluster.NodeID, cfg.Cluster.BindAddr, cfg.Cluster.Peers)
		if err := node.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "cluster: %v\n", err)
			os.Exit(1)
		}
		defer node.Stop()
	}

	srv := server.New(cfg, meta, store)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bleepstore listening",
			"addr", addr,
			"metadata", cfg.Metadata.Engine,
			"storage", cfg.Storage.Backend,
			"region", cfg.Server.Region)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutdown", "error", err)
		}
		slog.Info("server stopped")
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server: %v\n", err)
			os.Exit(1)
		}
	}
}

// openMetadataStore builds the engine named by metadata.engine.
func openMetadataStore(ctx context.Context, cfg *config.Config) (metadata.Store, error) {
	switch cfg.Metadata.Engine {
	case "", "sqlite":
		path := cfg.Metadata.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return metadata.NewSQLiteStore(path)
	case "memory":
		return metadata.NewMemoryStore(), nil
	case "local":
		return metadata.NewLocalStore(metadata.LocalStoreConfig{
			RootDir:          cfg.Metadata.Local.RootDir,
			CompactOnStartup: cfg.Metadata.Local.CompactOnStartup,
		})
	case "dynamodb":
		return metadata.NewDynamoDBStore(metadata.DynamoDBStoreConfig{
			Table:       cfg.Metadata.DynamoDB.Table,
			Region:      cfg.Metadata.DynamoDB.Region,
			EndpointURL: cfg.Metadata.DynamoDB.EndpointURL,
		})
	case "firestore":
		return metadata.NewFirestoreStore(ctx, metadata.FirestoreStoreConfig{
			ProjectID:       cfg.Metadata.Firestore.ProjectID,
			Collection:      cfg.Metadata.Firestore.Collection,
			CredentialsFile: cfg.Metadata.Firestore.CredentialsFile,
		})
	case "cosmos":
		return metadata.NewCosmosStore(ctx, metadata.CosmosStoreConfig{
			Endpoint:  cfg.Metadata.Cosmos.Endpoint,
			MasterKey: cfg.Metadata.Cosmos.MasterKey,
			Database:  cfg.Metadata.Cosmos.Database,
			Container: cfg.Metadata.Cosmos.Container,
		})
	default:
		return nil, fmt.Errorf("unknown metadata engine %q", cfg.Metadata.Engine)
	}
}

// openStorageBackend builds the backend named by storage.backend.
func openStorageBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "", "local":
		root := cfg.Storage.Local.RootDir
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
		b, err := storage.NewLocalBackend(root)
		if err != nil {
			return nil, err
		}
		if err := b.SweepTempFiles(); err != nil {
			slog.Warn("temp file sweep failed", "error", err)
		}
		return b, nil
	case "memory":
		return storage.NewMemoryBackend(storage.MemoryBackendConfig{
			MaxSizeBytes:     cfg.Storage.Memory.MaxSizeBytes,
			SnapshotPath:     cfg.Storage.Memory.SnapshotPath,
			SnapshotInterval: time.Duration(cfg.Storage.Memory.SnapshotIntervalSeconds) * time.Second,
		})
	case "sqlite":
		return storage.NewSQLiteBackend(cfg.Storage.SQLite.Path)
	case "aws":
		return storage.NewAWSBackend(ctx, storage.AWSBackendConfig{
			Bucket:          cfg.Storage.AWS.Bucket,
			Region:          cfg.Storage.AWS.Region,
			Prefix:          cfg.Storage.AWS.Prefix,
			EndpointURL:     cfg.Storage.AWS.EndpointURL,
			UsePathStyle:    cfg.Storage.AWS.UsePathStyle,
			AccessKeyID:     cfg.Storage.AWS.AccessKeyID,
			SecretAccessKey: cfg.Storage.AWS.SecretAccessKey,
		})
	case "gcp":
		return storage.NewGCSBackend(ctx, storage.GCSBackendConfig{
			Bucket:    cfg.Storage.GCP.Bucket,
			ProjectID: cfg.Storage.GCP.Project,
			Prefix:    cfg.Storage.GCP.Prefix,
		})
	case "azure":
		accountURL := cfg.Storage.Azure.AccountURL
		if accountURL == "" && cfg.Storage.Azure.Account != "" {
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Storage.Azure.Account)
		}
		return storage.NewAzureBackend(ctx, storage.AzureBackendConfig{
			AccountURL: accountURL,
			Container:  cfg.Storage.Azure.Container,
			Prefix:     cfg.Storage.Azure.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// seedCredential writes the configured access key pair if it is not already
// present, so a fresh database accepts signed requests immediately.
func seedCredential(ctx context.Context, meta metadata.Store, cfg *config.Config) error {
	if cfg.Auth.AccessKey == "" {
		return nil
	}
	existing, err := meta.GetCredential(ctx, cfg.Auth.AccessKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if err := meta.PutCredential(ctx, &metadata.CredentialRecord{
		AccessKeyID: cfg.Auth.AccessKey,
		SecretKey:   cfg.Auth.SecretKey,
		OwnerID:     cfg.Auth.AccessKey,
		DisplayName: cfg.Auth.AccessKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	slog.Info("seeded default credential", "access_key", cfg.Auth.AccessKey)
	return nil
}

// reapUploads expires abandoned multipart uploads once and deletes their
// staged part bytes.
func reapUploads(ctx context.Context, reaper metadata.Reaper, store storage.Backend, ttl time.Duration) {
	expired, err := reaper.ReapExpiredUploads(ctx, ttl)
	if err != nil {
		slog.Error("upload reap failed", "error", err)
		return
	}
	for _, up := range expired {
		if err := store.DeleteParts(ctx, up.Bucket, up.Key, up.UploadID); err != nil {
			slog.Warn("orphan part cleanup failed",
				"bucket", up.Bucket, "key", up.Key, "upload_id", up.UploadID, "error", err)
		}
	}
	if len(expired) > 0 {
		slog.Info("reaped expired multipart uploads", "count", len(expired), "ttl", ttl.String())
	}
}

// reapLoop repeats the reap on an interval for long-running processes.
func reapLoop(ctx context.Context, reaper metadata.Reaper, store storage.Backend, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		reapUploads(ctx, reaper, store, ttl)
	}
}
