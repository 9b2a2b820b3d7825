// Package config loads the YAML server configuration and applies defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Cluster       ClusterConfig       `yaml:"cluster"`
}

// ServerConfig holds the HTTP listener and request limits.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Region          string `yaml:"region"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"`
	// MaxObjectSize caps single-PUT and part bodies, in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// AuthConfig holds the default credential pair and the global auth switch.
// With Enabled false every request is accepted as the configured owner.
type AuthConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Enabled   bool   `yaml:"enabled"`
}

// MetadataConfig selects and configures the metadata engine.
type MetadataConfig struct {
	// Engine is one of: sqlite, memory, local, dynamodb, firestore, cosmos.
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Local     LocalMetaConfig `yaml:"local"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
	// UploadTTLSeconds is the age past which unfinished multipart uploads
	// are reaped at startup. Zero disables reaping.
	UploadTTLSeconds int64 `yaml:"upload_ttl_seconds"`
}

// SQLiteConfig locates the embedded metadata database.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// LocalMetaConfig configures the JSON-file metadata engine.
type LocalMetaConfig struct {
	RootDir          string `yaml:"root_dir"`
	CompactOnStartup bool   `yaml:"compact_on_startup"`
}

// DynamoDBConfig configures the DynamoDB metadata engine.
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
	// EndpointURL points at a non-AWS endpoint such as DynamoDB Local.
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig configures the Firestore metadata engine.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig configures the Azure Cosmos DB metadata engine.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// StorageConfig selects and configures the byte-plane backend.
type StorageConfig struct {
	// Backend is one of: local, memory, sqlite, aws, gcp, azure.
	Backend string             `yaml:"backend"`
	Local   LocalStorageConfig `yaml:"local"`
	Memory  MemoryConfig       `yaml:"memory"`
	SQLite  SQLiteConfig       `yaml:"sqlite"`
	AWS     AWSGatewayConfig   `yaml:"aws"`
	GCP     GCPGatewayConfig   `yaml:"gcp"`
	Azure   AzureGatewayConfig `yaml:"azure"`
}

// LocalStorageConfig holds the filesystem backend root.
type LocalStorageConfig struct {
	RootDir string `yaml:"root_dir"`
}

// MemoryConfig holds limits for the in-memory backend.
type MemoryConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// Persistence is "none" or "snapshot".
	Persistence             string `yaml:"persistence"`
	SnapshotPath            string `yaml:"snapshot_path"`
	SnapshotIntervalSeconds int    `yaml:"snapshot_interval_seconds"`
}

// AWSGatewayConfig holds pass-through settings for an upstream S3 bucket.
type AWSGatewayConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPGatewayConfig holds pass-through settings for an upstream GCS bucket.
type GCPGatewayConfig struct {
	Bucket  string `yaml:"bucket"`
	Project string `yaml:"project"`
	Prefix  string `yaml:"prefix"`
}

// AzureGatewayConfig holds pass-through settings for an upstream container.
type AzureGatewayConfig struct {
	Container string `yaml:"container"`
	Account   string `yaml:"account"`
	// AccountURL overrides the URL derived from Account.
	AccountURL string `yaml:"account_url"`
	Prefix     string `yaml:"prefix"`
}

// ObservabilityConfig toggles the operational endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// ClusterConfig holds the (inactive) replication settings.
type ClusterConfig struct {
	Enabled  bool     `yaml:"enabled"`
	NodeID   string   `yaml:"node_id"`
	BindAddr string   `yaml:"bind_addr"`
	Peers    []string `yaml:"peers"`
}

// Default returns the configuration used when no file or field is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			Region:          "us-east-1",
			LogLevel:        "info",
			LogFormat:       "text",
			ShutdownTimeout: 30,
			MaxObjectSize:   5 * 1024 * 1024 * 1024,
		},
		Auth: AuthConfig{
			AccessKey: "bleepstore",
			SecretKey: "bleepstore-secret",
			Enabled:   true,
		},
		Metadata: MetadataConfig{
			Engine:           "sqlite",
			SQLite:           SQLiteConfig{Path: "./data/metadata.db"},
			UploadTTLSeconds: 7 * 24 * 3600,
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalStorageConfig{RootDir: "./data/objects"},
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// Load parses the YAML file at path on top of the defaults. A missing file
// falls back to bleepstore.example.yaml next to it or one directory up, and
// if no file can be read at all the defaults are returned with the original
// read error wrapped.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		for _, alt := range []string{
			filepath.Join(filepath.Dir(path), "bleepstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepstore.example.yaml"),
		} {
			if d, altErr := os.ReadFile(alt); altErr == nil {
				data, err = d, nil
				break
			}
		}
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.fillZero()
	return cfg, nil
}

// fillZero restores defaults for fields an explicit YAML value set to zero
// where zero is never a usable setting.
func (c *Config) fillZero() {
	d := Default()
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.Region == "" {
		c.Server.Region = d.Server.Region
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Server.MaxObjectSize == 0 {
		c.Server.MaxObjectSize = d.Server.MaxObjectSize
	}
	if c.Auth.AccessKey == "" {
		c.Auth.AccessKey = d.Auth.AccessKey
	}
	if c.Auth.SecretKey == "" {
		c.Auth.SecretKey = d.Auth.SecretKey
	}
	if c.Metadata.Engine == "" {
		c.Metadata.Engine = d.Metadata.Engine
	}
	if c.Metadata.SQLite.Path == "" {
		c.Metadata.SQLite.Path = d.Metadata.SQLite.Path
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.Local.RootDir == "" {
		c.Storage.Local.RootDir = d.Storage.Local.RootDir
	}
}
