package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CLASSBOOK"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 720
	defaultStoreDriver     = StoreDriverGitHub
	defaultBranch          = "main"
	defaultTimeoutSeconds  = 30
	defaultObjectsDriver   = ObjectsDriverStore
	defaultRawHost         = "raw.githubusercontent.com"
	defaultDatabasePath    = "classbook.db"
	defaultMaxBodyMiB      = 25
)

// Store drivers.
const (
	StoreDriverGitHub = "github"
	StoreDriverGit    = "git"
	StoreDriverRedis  = "redis"
	StoreDriverMemory = "memory"
)

// Object host drivers.
const (
	ObjectsDriverStore = "store"
	ObjectsDriverMinio = "minio"
)

// legacyEnv maps keys to the unprefixed variables older deployments set.
var legacyEnv = map[string]string{
	"access.class_password": "CLASS_PASSWORD",
	"store.owner":           "GITHUB_USER",
	"store.repo":            "GITHUB_REPO",
	"store.branch":          "GITHUB_BRANCH",
	"store.token":           "GITHUB_TOKEN",
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	MaxBodyBytes   int64
	LogLevel       string

	ClassPassword string
	TokenSecret   string
	TokenTTL      time.Duration

	Store   StoreConfig
	Objects ObjectsConfig
	Minio   MinioConfig

	DatabasePath string
}

// StoreConfig selects and configures the versioned file store.
type StoreConfig struct {
	Driver   string
	Owner    string
	Repo     string
	Branch   string
	Token    string
	APIURL   string
	GitPath  string
	RedisURL string
	Timeout  time.Duration
}

// ObjectsConfig selects where uploaded files live.
type ObjectsConfig struct {
	Driver  string
	RawHost string
}

// MinioConfig configures the S3-compatible object host.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	for key, legacy := range legacyEnv {
		// Prefixed variables take precedence over the legacy names.
		_ = configViper.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy)
	}

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("http.max_body_mib", defaultMaxBodyMiB)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("access.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.branch", defaultBranch)
	configViper.SetDefault("store.timeout_seconds", defaultTimeoutSeconds)
	configViper.SetDefault("objects.driver", defaultObjectsDriver)
	configViper.SetDefault("objects.raw_host", defaultRawHost)
	configViper.SetDefault("ledger.database_path", defaultDatabasePath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		MaxBodyBytes:   configViper.GetInt64("http.max_body_mib") << 20,
		LogLevel:       configViper.GetString("log.level"),
		ClassPassword:  configViper.GetString("access.class_password"),
		TokenSecret:    configViper.GetString("access.token_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("access.token_ttl_minutes")) * time.Minute,
		Store: StoreConfig{
			Driver:   strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
			Owner:    strings.TrimSpace(configViper.GetString("store.owner")),
			Repo:     strings.TrimSpace(configViper.GetString("store.repo")),
			Branch:   strings.TrimSpace(configViper.GetString("store.branch")),
			Token:    configViper.GetString("store.token"),
			APIURL:   configViper.GetString("store.api_url"),
			GitPath:  configViper.GetString("store.git_path"),
			RedisURL: configViper.GetString("store.redis_url"),
			Timeout:  time.Duration(configViper.GetInt("store.timeout_seconds")) * time.Second,
		},
		Objects: ObjectsConfig{
			Driver:  strings.ToLower(strings.TrimSpace(configViper.GetString("objects.driver"))),
			RawHost: configViper.GetString("objects.raw_host"),
		},
		Minio: MinioConfig{
			Endpoint:  configViper.GetString("minio.endpoint"),
			AccessKey: configViper.GetString("minio.access_key"),
			SecretKey: configViper.GetString("minio.secret_key"),
			Bucket:    configViper.GetString("minio.bucket"),
			UseSSL:    configViper.GetBool("minio.use_ssl"),
			PublicURL: configViper.GetString("minio.public_url"),
		},
		DatabasePath: configViper.GetString("ledger.database_path"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// Warnings lists settings that are legal but leave features disabled.
func (c AppConfig) Warnings() []string {
	var warnings []string
	if strings.TrimSpace(c.ClassPassword) == "" {
		warnings = append(warnings, "access.class_password is empty; every mutating request will fail as misconfigured")
	}
	if strings.TrimSpace(c.TokenSecret) == "" {
		warnings = append(warnings, "access.token_secret is empty; class-access tokens are disabled")
	}
	return warnings
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_mib must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("access.token_ttl_minutes must be positive")
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store.timeout_seconds must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("ledger.database_path is required")
	}

	switch c.Store.Driver {
	case StoreDriverGitHub:
		if c.Store.Owner == "" || c.Store.Repo == "" {
			return fmt.Errorf("store.owner and store.repo are required for the github driver")
		}
		if strings.TrimSpace(c.Store.Token) == "" {
			return fmt.Errorf("store.token is required for the github driver")
		}
	case StoreDriverGit:
		if strings.TrimSpace(c.Store.GitPath) == "" {
			return fmt.Errorf("store.git_path is required for the git driver")
		}
	case StoreDriverRedis:
		if strings.TrimSpace(c.Store.RedisURL) == "" {
			return fmt.Errorf("store.redis_url is required for the redis driver")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	if c.Store.Branch == "" {
		return fmt.Errorf("store.branch is required")
	}

	switch c.Objects.Driver {
	case ObjectsDriverStore:
	case ObjectsDriverMinio:
		if strings.TrimSpace(c.Minio.Endpoint) == "" || strings.TrimSpace(c.Minio.Bucket) == "" {
			return fmt.Errorf("minio.endpoint and minio.bucket are required for the minio objects driver")
		}
	default:
		return fmt.Errorf("unsupported objects.driver %q", c.Objects.Driver)
	}
	return nil
}
