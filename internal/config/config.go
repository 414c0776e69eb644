package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/me/zoocwl/internal/storage"
)

// Setting keys. They double as environment variable names.
const (
	KeyLogLevel           = "LOG_LEVEL"
	KeyLogFormat          = "LOG_FORMAT"
	KeyStorageDriver      = "STORAGE_DRIVER"
	KeyStageInServiceURL  = "STAGEIN_AWS_SERVICEURL"
	KeyStageInAccessKey   = "STAGEIN_AWS_ACCESS_KEY_ID"
	KeyStageInSecretKey   = "STAGEIN_AWS_SECRET_ACCESS_KEY"
	KeyStageInRegion      = "STAGEIN_AWS_REGION"
	KeyStageOutServiceURL = "STAGEOUT_AWS_SERVICEURL"
	KeyStageOutAccessKey  = "STAGEOUT_AWS_ACCESS_KEY_ID"
	KeyStageOutSecretKey  = "STAGEOUT_AWS_SECRET_ACCESS_KEY"
	KeyStageOutRegion     = "STAGEOUT_AWS_REGION"
	KeyStageOutOutput     = "STAGEOUT_OUTPUT"
	KeyServicesFile       = "S3_SERVICES_FILE"
	KeyWorkspaceEnabled   = "WORKSPACE_ENABLED"
	KeyWorkspaceAPIURL    = "WORKSPACE_API_URL"
	KeyWorkspacePrefix    = "WORKSPACE_PREFIX"
	KeyWorkspaceTimeout   = "WORKSPACE_TIMEOUT"
	KeyWorkspaceRegister  = "WORKSPACE_REGISTER"
	KeyPublishResults     = "PUBLISH_RESULTS"
	KeySecretsFile        = "SECRETS_FILE"
	KeyCWLRunner          = "CWL_RUNNER"
	KeyWorkflowFile       = "WORKFLOW_FILE"
	KeyJobDB              = "JOB_DB"
	KeyLogServerAddr      = "LOG_SERVER_ADDR"
	KeyStorageTier        = "STORAGE_TIER"
	KeyStoragePlatform    = "STORAGE_PLATFORM"
)

// StorageDefaults is one statically configured object-storage context.
type StorageDefaults struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
}

// Credentials converts the defaults to a credential set.
func (d StorageDefaults) Credentials() storage.CredentialSet {
	return storage.CredentialSet{
		Endpoint:  d.Endpoint,
		AccessKey: d.AccessKey,
		SecretKey: d.SecretKey,
		Region:    d.Region,
		Bucket:    d.Bucket,
	}
}

// WorkspaceConfig configures the per-user workspace API.
type WorkspaceConfig struct {
	Enabled  bool          // Resolve stage-out credentials through the workspace API
	APIURL   string        // Base URL of the workspace API
	Prefix   string        // Workspace id prefix ("<prefix>-<username>")
	Timeout  time.Duration // Per-request timeout
	Register bool          // Register result collections with the workspace catalog
}

// Config holds all handler settings.
type Config struct {
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: text, json

	StorageDriver string // Object-store driver: aws or minio
	StageIn       StorageDefaults
	StageOut      StorageDefaults

	ServicesFile string      // YAML file with the ordered URL-pattern service table
	Services     []S3Service // Loaded from ServicesFile, or derived from the defaults

	Workspace WorkspaceConfig

	PublishResults  bool   // Write the result collection and items back to stage-out storage
	StoragePlatform string // storage:platform value injected into result assets
	StorageTier     string // storage:tier value injected into result assets

	SecretsFile   string // Image pull secrets YAML
	CWLRunner     string // External CWL runner executable
	WorkflowFile  string // Application package (CWL) path
	JobDB         string // SQLite job history path; empty disables it
	LogServerAddr string // Listen address of the tool-log server
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		StorageDriver:   storage.DriverAWS,
		Workspace:       WorkspaceConfig{Prefix: "ws", Timeout: 30 * time.Second, Register: true},
		PublishResults:  true,
		StoragePlatform: "eoepca",
		StorageTier:     "Standard",
		SecretsFile:     "/assets/pod_imagePullSecrets.yaml",
		CWLRunner:       "cwl-runner",
		WorkflowFile:    "app-package.cwl",
		LogServerAddr:   ":8080",
	}
}

// Load reads settings from the environment and, when configFile is not
// empty, from that file. Environment variables win over the file.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := Config{
		LogLevel:      v.GetString(KeyLogLevel),
		LogFormat:     v.GetString(KeyLogFormat),
		StorageDriver: v.GetString(KeyStorageDriver),
		StageIn: StorageDefaults{
			Endpoint:  v.GetString(KeyStageInServiceURL),
			AccessKey: v.GetString(KeyStageInAccessKey),
			SecretKey: v.GetString(KeyStageInSecretKey),
			Region:    v.GetString(KeyStageInRegion),
		},
		StageOut: StorageDefaults{
			Endpoint:  v.GetString(KeyStageOutServiceURL),
			AccessKey: v.GetString(KeyStageOutAccessKey),
			SecretKey: v.GetString(KeyStageOutSecretKey),
			Region:    v.GetString(KeyStageOutRegion),
			Bucket:    bucketFromOutput(v.GetString(KeyStageOutOutput)),
		},
		ServicesFile: v.GetString(KeyServicesFile),
		Workspace: WorkspaceConfig{
			Enabled:  v.GetBool(KeyWorkspaceEnabled),
			APIURL:   v.GetString(KeyWorkspaceAPIURL),
			Prefix:   v.GetString(KeyWorkspacePrefix),
			Timeout:  v.GetDuration(KeyWorkspaceTimeout),
			Register: v.GetBool(KeyWorkspaceRegister),
		},
		PublishResults:  v.GetBool(KeyPublishResults),
		StoragePlatform: v.GetString(KeyStoragePlatform),
		StorageTier:     v.GetString(KeyStorageTier),
		SecretsFile:     v.GetString(KeySecretsFile),
		CWLRunner:       v.GetString(KeyCWLRunner),
		WorkflowFile:    v.GetString(KeyWorkflowFile),
		JobDB:           v.GetString(KeyJobDB),
		LogServerAddr:   v.GetString(KeyLogServerAddr),
	}

	if cfg.ServicesFile != "" {
		services, err := LoadServicesFile(cfg.ServicesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Services = services
	} else {
		cfg.Services = cfg.DefaultServices()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeyStorageDriver, d.StorageDriver)
	v.SetDefault(KeyWorkspaceEnabled, d.Workspace.Enabled)
	v.SetDefault(KeyWorkspacePrefix, d.Workspace.Prefix)
	v.SetDefault(KeyWorkspaceTimeout, d.Workspace.Timeout)
	v.SetDefault(KeyWorkspaceRegister, d.Workspace.Register)
	v.SetDefault(KeyPublishResults, d.PublishResults)
	v.SetDefault(KeyStoragePlatform, d.StoragePlatform)
	v.SetDefault(KeyStorageTier, d.StorageTier)
	v.SetDefault(KeySecretsFile, d.SecretsFile)
	v.SetDefault(KeyCWLRunner, d.CWLRunner)
	v.SetDefault(KeyWorkflowFile, d.WorkflowFile)
	v.SetDefault(KeyLogServerAddr, d.LogServerAddr)
}

// Validate checks for settings that cannot work together.
func (c Config) Validate() error {
	if c.Workspace.Enabled && c.Workspace.APIURL == "" {
		return fmt.Errorf("%s is required when %s is set", KeyWorkspaceAPIURL, KeyWorkspaceEnabled)
	}
	if _, err := storage.NewClientFactory(c.StorageDriver); err != nil {
		return err
	}
	return nil
}

// DefaultServices derives a URL-pattern table from the static defaults: the
// stage-out bucket first, then every other s3:// location via stage-in.
func (c Config) DefaultServices() []S3Service {
	var services []S3Service
	if c.StageOut.Bucket != "" && c.StageOut.Endpoint != "" {
		services = append(services, S3Service{
			Name:       "stage-out",
			URLPattern: "^s3://" + regexp.QuoteMeta(c.StageOut.Bucket) + "/",
			ServiceURL: c.StageOut.Endpoint,
			AccessKey:  c.StageOut.AccessKey,
			SecretKey:  c.StageOut.SecretKey,
			Region:     c.StageOut.Region,
			Bucket:     c.StageOut.Bucket,
		})
	}
	if c.StageIn.Endpoint != "" {
		services = append(services, S3Service{
			Name:       "stage-in",
			URLPattern: "^s3://",
			ServiceURL: c.StageIn.Endpoint,
			AccessKey:  c.StageIn.AccessKey,
			SecretKey:  c.StageIn.SecretKey,
			Region:     c.StageIn.Region,
		})
	}
	return services
}

// bucketFromOutput turns "s3://processingresults" (or a bare name) into the bucket name.
func bucketFromOutput(output string) string {
	output = strings.TrimPrefix(output, "s3://")
	bucket, _, _ := strings.Cut(strings.Trim(output, "/"), "/")
	return bucket
}
