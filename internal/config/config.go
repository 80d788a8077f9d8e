package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	Redis    *redisConfig
	Kafka    *kafkaConfig
	S3       *s3Config
	Pipeline *PipelineConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"assets"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	LogLevel       string `envconfig:"PIPELINE_LOG_LEVEL" default:"info"`
	LogEncoding    string `envconfig:"PIPELINE_LOG_ENCODING" default:"console"`
	MetricsAddress string `envconfig:"PIPELINE_METRICS_ADDRESS" default:":8080"`
	ScratchDir     string `envconfig:"PIPELINE_SCRATCH_DIR" default:"/tmp/asset-pipeline"`
}

type redisConfig struct {
	Address  string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	Database int    `envconfig:"REDIS_DB" default:"0"`
}

type kafkaConfig struct {
	Brokers  []string `envconfig:"PIPELINE_KAFKA_BROKERS" default:""`
	Topic    string   `envconfig:"PIPELINE_KAFKA_TOPIC" default:"asset.pipeline.events"`
	ClientID string   `envconfig:"PIPELINE_KAFKA_CLIENT_ID" default:"asset-pipeline"`
}

type s3Config struct {
	Endpoint  string `envconfig:"PIPELINE_S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"PIPELINE_S3_BUCKET" default:"uploads"`
	AccessKey string `envconfig:"PIPELINE_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"PIPELINE_S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"PIPELINE_S3_USE_SSL" default:"false"`
}

// PipelineConfig holds the knobs operators use to tune each stage independently.
type PipelineConfig struct {
	ScanMaxAttempts    int             `envconfig:"PIPELINE_SCAN_MAX_ATTEMPTS" default:"3"`
	ScanBackoff        []time.Duration `envconfig:"PIPELINE_SCAN_BACKOFF" default:"60s,120s,240s"`
	ScanTimeout        time.Duration   `envconfig:"PIPELINE_SCAN_TIMEOUT" default:"5m"`
	RackMaxAttempts    int             `envconfig:"PIPELINE_RACK_MAX_ATTEMPTS" default:"3"`
	RackBackoff        []time.Duration `envconfig:"PIPELINE_RACK_BACKOFF" default:"30s,60s,120s"`
	RackTimeout        time.Duration   `envconfig:"PIPELINE_RACK_TIMEOUT" default:"10m"`
	PresetMaxAttempts  int             `envconfig:"PIPELINE_PRESET_MAX_ATTEMPTS" default:"3"`
	PresetBackoff      []time.Duration `envconfig:"PIPELINE_PRESET_BACKOFF" default:"30s,60s,120s"`
	PresetTimeout      time.Duration   `envconfig:"PIPELINE_PRESET_TIMEOUT" default:"5m"`
	SessionMaxAttempts int             `envconfig:"PIPELINE_SESSION_MAX_ATTEMPTS" default:"3"`
	SessionBackoff     []time.Duration `envconfig:"PIPELINE_SESSION_BACKOFF" default:"60s,120s,300s"`
	SessionTimeout     time.Duration   `envconfig:"PIPELINE_SESSION_TIMEOUT" default:"10m"`
	BatchTimeout       time.Duration   `envconfig:"PIPELINE_BATCH_TIMEOUT" default:"2h"`

	QuarantineFloor    string `envconfig:"PIPELINE_QUARANTINE_FLOOR" default:"medium"`
	AlertFloor         string `envconfig:"PIPELINE_ALERT_FLOOR" default:"high"`
	ViolationThreshold int    `envconfig:"PIPELINE_VIOLATION_THRESHOLD" default:"3"`

	ClamdAddress  string   `envconfig:"PIPELINE_CLAMD_ADDRESS" default:""`
	HashBlocklist []string `envconfig:"PIPELINE_HASH_BLOCKLIST" default:""`

	ScanResultRetention time.Duration `envconfig:"PIPELINE_SCAN_RESULT_RETENTION" default:"24h"`
	ScanLogRetention    time.Duration `envconfig:"PIPELINE_SCAN_LOG_RETENTION" default:"168h"`
	ScanLogCap          int64         `envconfig:"PIPELINE_SCAN_LOG_CAP" default:"1000"`
	BatchRetention      time.Duration `envconfig:"PIPELINE_BATCH_RETENTION" default:"168h"`

	MaxDecompressedBytes int64         `envconfig:"PIPELINE_MAX_DECOMPRESSED_BYTES" default:"268435456"`
	BatchPacing          time.Duration `envconfig:"PIPELINE_BATCH_PACING" default:"500ms"`

	ScanWorkers         int `envconfig:"PIPELINE_SCAN_WORKERS" default:"4"`
	PriorityScanWorkers int `envconfig:"PIPELINE_PRIORITY_SCAN_WORKERS" default:"2"`
	AnalysisWorkers     int `envconfig:"PIPELINE_ANALYSIS_WORKERS" default:"4"`
	BatchWorkers        int `envconfig:"PIPELINE_BATCH_WORKERS" default:"1"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault builds a fresh, uncached config from the defaults and the current environment.
func NewDefault() *Config {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
	return cfg
}
