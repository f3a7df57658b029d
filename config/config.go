package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	PlatformECS  = "ecs"
	PlatformKube = "kube"
)

// Config is resolved from defaults, then the optional YAML file named by
// PREVIEW_CONFIG_FILE, then environment variables.
type Config struct {
	Platform string `yaml:"platform" validate:"oneof=ecs kube"`
	Cluster  string `yaml:"cluster" validate:"required"`

	DeletionTimeout  time.Duration `yaml:"deletionTimeout" validate:"gtfield=PollInterval"`
	PollInterval     time.Duration `yaml:"pollInterval" validate:"gt=0"`
	StabilityTimeout time.Duration `yaml:"stabilityTimeout" validate:"gt=0"`
	HealthAttempts   int           `yaml:"healthAttempts" validate:"gte=0"`
	HealthInterval   time.Duration `yaml:"healthInterval" validate:"gte=0"`
	ContainerPort    int           `yaml:"containerPort" validate:"gte=0,lte=65535"`
	ImageRepository  string        `yaml:"imageRepository"`

	// ECS
	Region           string   `yaml:"region"`
	DisableIMDS      bool     `yaml:"disableIMDS"`
	TaskFamily       string   `yaml:"taskFamily"`
	ECRRepository    string   `yaml:"ecrRepository"`
	ExecutionRoleARN string   `yaml:"executionRoleArn"`
	Subnets          []string `yaml:"subnets"`
	SecurityGroups   []string `yaml:"securityGroups"`
	TaskCPU          string   `yaml:"taskCpu"`
	TaskMemory       string   `yaml:"taskMemory"`

	// Kubernetes
	KubeNamespace string `yaml:"kubeNamespace"`
	Kubeconfig    string `yaml:"kubeconfig"`

	// Pub/Sub worker
	PubsubTopic     string `yaml:"resultTopic"`
	Subscription    string `yaml:"requestSubscription"`
	GoogleProjectID string `yaml:"projectId"`
	CredentialsFile string `yaml:"-"`

	MetricsPort int    `yaml:"metricsPort" validate:"gt=0,lte=65535"`
	LogLevel    string `yaml:"logLevel"`
}

func defaults() *Config {
	return &Config{
		Platform:         PlatformECS,
		Cluster:          "preview",
		DeletionTimeout:  10 * time.Minute,
		PollInterval:     5 * time.Second,
		StabilityTimeout: 10 * time.Minute,
		HealthAttempts:   10,
		HealthInterval:   10 * time.Second,
		ContainerPort:    8080,
		TaskFamily:       "preview-env",
		TaskCPU:          "1024",
		TaskMemory:       "2048",
		MetricsPort:      8080,
		LogLevel:         "info",
	}
}

var validate = validator.New()

func Load() (*Config, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("PREVIEW_CONFIG_FILE")); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
		log.Debug().Str("path", path).Msg("config: loaded file overlay")
	}

	cfg.Platform = strings.ToLower(strings.TrimSpace(getEnv("PREVIEW_PLATFORM", cfg.Platform)))
	cfg.Cluster = strings.TrimSpace(getEnv("PREVIEW_CLUSTER", cfg.Cluster))
	cfg.DeletionTimeout = getEnvDuration("PREVIEW_DELETION_TIMEOUT", cfg.DeletionTimeout)
	cfg.PollInterval = getEnvDuration("PREVIEW_POLL_INTERVAL", cfg.PollInterval)
	cfg.StabilityTimeout = getEnvDuration("PREVIEW_STABILITY_TIMEOUT", cfg.StabilityTimeout)
	cfg.HealthAttempts = getEnvInt("PREVIEW_HEALTH_ATTEMPTS", cfg.HealthAttempts)
	cfg.HealthInterval = getEnvDuration("PREVIEW_HEALTH_INTERVAL", cfg.HealthInterval)
	cfg.ContainerPort = getEnvInt("PREVIEW_CONTAINER_PORT", cfg.ContainerPort)
	cfg.ImageRepository = strings.TrimSpace(getEnv("PREVIEW_IMAGE_REPOSITORY", cfg.ImageRepository))

	cfg.Region = strings.TrimSpace(firstNonEmpty(os.Getenv("AWS_REGION"), os.Getenv("AWS_DEFAULT_REGION"), cfg.Region))
	cfg.DisableIMDS = getEnvBool("AWS_EC2_METADATA_DISABLED", cfg.DisableIMDS)
	cfg.TaskFamily = strings.TrimSpace(getEnv("PREVIEW_TASK_FAMILY", cfg.TaskFamily))
	cfg.ECRRepository = strings.TrimSpace(getEnv("PREVIEW_ECR_REPOSITORY", cfg.ECRRepository))
	cfg.ExecutionRoleARN = strings.TrimSpace(getEnv("PREVIEW_EXECUTION_ROLE_ARN", cfg.ExecutionRoleARN))
	cfg.Subnets = getEnvList("PREVIEW_SUBNETS", cfg.Subnets)
	cfg.SecurityGroups = getEnvList("PREVIEW_SECURITY_GROUPS", cfg.SecurityGroups)
	cfg.TaskCPU = strings.TrimSpace(getEnv("PREVIEW_TASK_CPU", cfg.TaskCPU))
	cfg.TaskMemory = strings.TrimSpace(getEnv("PREVIEW_TASK_MEMORY", cfg.TaskMemory))

	cfg.KubeNamespace = strings.TrimSpace(getEnv("PREVIEW_KUBE_NAMESPACE", cfg.KubeNamespace))
	cfg.Kubeconfig = strings.TrimSpace(getEnv("KUBECONFIG", cfg.Kubeconfig))

	cfg.Subscription = strings.TrimSpace(getEnv("PREVIEW_REQUEST_SUBSCRIPTION", cfg.Subscription))
	cfg.PubsubTopic = strings.TrimSpace(getEnv("PREVIEW_RESULT_TOPIC", cfg.PubsubTopic))
	cfg.CredentialsFile = strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("PREVIEW_GSA_CREDENTIALS")))
	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("PREVIEW_PUBSUB_PROJECT_ID", cfg.GoogleProjectID)))

	cfg.MetricsPort = getEnvInt("PREVIEW_METRICS_PORT", cfg.MetricsPort)
	cfg.LogLevel = strings.TrimSpace(getEnv("PREVIEW_LOG_LEVEL", cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Platform == PlatformECS && len(cfg.Subnets) == 0 {
		log.Warn().Msg("config: no subnets configured; set PREVIEW_SUBNETS before creating ECS services")
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WorkerEnabled reports whether the Pub/Sub worker has everything it needs.
func (c *Config) WorkerEnabled() bool {
	if c.GoogleProjectID == "" {
		log.Warn().Msg("config: Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or PREVIEW_PUBSUB_PROJECT_ID")
	}
	if c.Subscription == "" {
		log.Warn().Msg("config: Pub/Sub subscription not set; set PREVIEW_REQUEST_SUBSCRIPTION")
	}
	if c.PubsubTopic == "" {
		log.Warn().Msg("config: Pub/Sub topic not set; set PREVIEW_RESULT_TOPIC")
	}
	return c.GoogleProjectID != "" && c.Subscription != "" && c.PubsubTopic != ""
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"platform":            c.Platform,
		"cluster":             c.Cluster,
		"region":              c.Region,
		"deletionTimeout":     c.DeletionTimeout.String(),
		"pollInterval":        c.PollInterval.String(),
		"imageRepository":     c.ImageRepository,
		"ecrRepository":       c.ECRRepository,
		"executionRoleSet":    c.ExecutionRoleARN != "",
		"subnets":             len(c.Subnets),
		"kubeNamespace":       c.KubeNamespace,
		"projectID":           c.GoogleProjectID,
		"requestSubscription": c.Subscription,
		"resultTopic":         c.PubsubTopic,
		"metricsPort":         c.MetricsPort,
		"logLevel":            c.LogLevel,
		"credentialsProvided": c.CredentialsFile != "",
	}
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid int, using default")
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		// Bare numbers are seconds.
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid duration, using default")
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("config: invalid bool, using default")
	}
	return def
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return "", err
	}
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Debug().Str("credsFile", p).Msg("config: project_id taken from GOOGLE_APPLICATION_CREDENTIALS")
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("config: project_id not found in credentials file or unreadable")
	}
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		return v
	}
	if v := strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT"))); v != "" {
		return v
	}
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
