// Package config loads process configuration from the environment: one
// struct per concern, a single Load entry point per process, fail fast on
// anything critical that is missing.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// DocumentStoreConfig configures the document database connection.
type DocumentStoreConfig struct {
	URI      string
	Database string
}

// BlobStoreConfig configures the object storage connection.
type BlobStoreConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// ContainerEngineConfig configures the Docker Engine API connection.
type ContainerEngineConfig struct {
	Host string // empty means use the client library's default (DOCKER_HOST / local socket)
}

// ControllerConfig is the full configuration for cmd/controller.
type ControllerConfig struct {
	ListenAddr      string
	MetricsAddr     string
	BaseDomain      string
	SecretKey       string
	DevMode         bool
	DataDir         string // BoltStore location when DevMode has no Mongo deployment to reach
	ProxyConfigDir  string
	DocumentStore   DocumentStoreConfig
	BlobStore       BlobStoreConfig
	ContainerEngine ContainerEngineConfig
	Log             LogConfig
}

// RuntimeConfig is the full configuration for cmd/runtime.
type RuntimeConfig struct {
	AppID         string
	ListenAddr    string
	MetricsAddr   string
	SecretKey     string
	DevMode       bool
	DataDir       string
	DocumentStore DocumentStoreConfig
	BlobStore     BlobStoreConfig
	Log           LogConfig
}

// LogConfig mirrors pkg/log.Config's fields so it can be populated here and
// handed straight to log.Init.
type LogConfig struct {
	Level      string
	JSONOutput bool
}

// LoadController reads a ControllerConfig from the environment, returning an
// error describing every missing required variable at once.
func LoadController() (*ControllerConfig, error) {
	var missing []string
	req := func(name string) string {
		v := os.Getenv(name)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	devMode := getenvBool("HYAC_DEV_MODE", false)
	mongoURI := os.Getenv("HYAC_MONGO_URI")
	if !devMode && mongoURI == "" {
		mongoURI = req("HYAC_MONGO_URI")
	}

	cfg := &ControllerConfig{
		ListenAddr:     getenvDefault("HYAC_CONTROLLER_LISTEN_ADDR", ":8000"),
		MetricsAddr:    getenvDefault("HYAC_CONTROLLER_METRICS_ADDR", ":9100"),
		BaseDomain:     req("HYAC_BASE_DOMAIN"),
		SecretKey:      req("HYAC_SECRET_KEY"),
		DevMode:        devMode,
		DataDir:        getenvDefault("HYAC_DATA_DIR", "/var/lib/hyac"),
		ProxyConfigDir: getenvDefault("HYAC_PROXY_CONFIG_DIR", "/etc/hyac/proxy.d"),
		DocumentStore: DocumentStoreConfig{
			URI:      mongoURI,
			Database: getenvDefault("HYAC_MONGO_CONTROL_DB", "hyac_control"),
		},
		BlobStore: blobStoreConfig(devMode, req),
		ContainerEngine: ContainerEngineConfig{
			Host: os.Getenv("HYAC_DOCKER_HOST"),
		},
		Log: LogConfig{
			Level:      getenvDefault("HYAC_LOG_LEVEL", "info"),
			JSONOutput: getenvBool("HYAC_LOG_JSON", true),
		},
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}
	return cfg, nil
}

// LoadRuntime reads a RuntimeConfig from the environment.
func LoadRuntime() (*RuntimeConfig, error) {
	var missing []string
	req := func(name string) string {
		v := os.Getenv(name)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	devMode := getenvBool("DEV_MODE", false)
	appID := req("APP_ID")
	mongoURI := os.Getenv("HYAC_MONGO_URI")
	if !devMode && mongoURI == "" {
		mongoURI = req("HYAC_MONGO_URI")
	}

	cfg := &RuntimeConfig{
		AppID:       appID,
		ListenAddr:  getenvDefault("HYAC_RUNTIME_LISTEN_ADDR", ":8001"),
		MetricsAddr: getenvDefault("HYAC_RUNTIME_METRICS_ADDR", ":9101"),
		SecretKey:   req("SECRET_KEY"),
		DevMode:     devMode,
		DataDir:     getenvDefault("HYAC_DATA_DIR", "/var/lib/hyac"),
		DocumentStore: DocumentStoreConfig{
			URI:      mongoURI,
			Database: appID,
		},
		BlobStore: blobStoreConfig(devMode, req),
		Log: LogConfig{
			Level:      getenvDefault("HYAC_LOG_LEVEL", "info"),
			JSONOutput: getenvBool("HYAC_LOG_JSON", true),
		},
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}
	return cfg, nil
}

// blobStoreConfig reads the MinIO settings, treating the endpoint and keys
// as required unless running in dev mode with no endpoint configured, in
// which case the caller falls back to blob.NewMemStore.
func blobStoreConfig(devMode bool, req func(string) string) BlobStoreConfig {
	endpoint := os.Getenv("HYAC_MINIO_ENDPOINT")
	if devMode && endpoint == "" {
		return BlobStoreConfig{UseSSL: getenvBool("HYAC_MINIO_USE_SSL", false)}
	}
	return BlobStoreConfig{
		Endpoint:        req("HYAC_MINIO_ENDPOINT"),
		AccessKeyID:     req("HYAC_MINIO_ACCESS_KEY"),
		SecretAccessKey: req("HYAC_MINIO_SECRET_KEY"),
		UseSSL:          getenvBool("HYAC_MINIO_USE_SSL", false),
	}
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getenvBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
