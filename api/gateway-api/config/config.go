package config

import (
	"log"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFile  string `mapstructure:"log_file"`

	// upstream generative service
	LiveAPIKey    string `mapstructure:"live_api_key" validate:"required"`
	LiveModel     string `mapstructure:"live_model" validate:"required"`
	LiveVoice     string `mapstructure:"live_voice"`
	AnalyzerModel string `mapstructure:"analyzer_model" validate:"required"`

	// face detection collaborator
	VisionEndpoint string `mapstructure:"vision_endpoint" validate:"required"`
	VisionAPIKey   string `mapstructure:"vision_api_key"`

	// gallery collaborator stores
	BlobBucket      string `mapstructure:"blob_bucket"`
	BlobLocalDir    string `mapstructure:"blob_local_dir"`
	RecordNamespace string `mapstructure:"record_namespace" validate:"required"`
	RecordDSN       string `mapstructure:"record_dsn"`
	DownloadSecret  string `mapstructure:"download_secret"`

	// idempotency cache
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// media pipeline tuning
	SampleIntervalMS int     `mapstructure:"sample_interval_ms" validate:"gt=0"`
	CrowdThreshold   int     `mapstructure:"crowd_threshold" validate:"gte=0"`
	BlurRadiusMin    int     `mapstructure:"blur_radius_min" validate:"gt=0"`
	ImageQuality     int     `mapstructure:"image_quality" validate:"gte=70,lte=85"`
	ImageMaxPx       int     `mapstructure:"image_max_px" validate:"gt=0"`
	EnergyThreshold  float64 `mapstructure:"interrupt_energy_threshold" validate:"gt=0"`
	InterruptMinMS   int     `mapstructure:"interrupt_min_ms" validate:"gt=0"`
	SpeechDetector   string  `mapstructure:"speech_detector" validate:"oneof=energy silero"`
	SileroModelPath  string  `mapstructure:"silero_model_path"`

	// limits and lifetimes
	SignedURLTTLSecs int    `mapstructure:"signed_url_ttl_secs" validate:"gt=0"`
	RateLimitRPM     int    `mapstructure:"rate_limit_rpm" validate:"gt=0"`
	SessionIdleSecs  int    `mapstructure:"session_idle_secs" validate:"gt=0"`
	SessionMaxSecs   int    `mapstructure:"session_max_secs" validate:"gt=0"`
	CORSOrigins      string `mapstructure:"cors_allowed_origins"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "alchemist-gateway")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("LIVE_MODEL", "models/gemini-2.0-flash-exp")
	v.SetDefault("LIVE_VOICE", "Puck")
	v.SetDefault("ANALYZER_MODEL", "gemini-2.0-flash")
	v.SetDefault("VISION_ENDPOINT", "https://vision.googleapis.com/v1/images:annotate")

	v.SetDefault("BLOB_BUCKET", "")
	v.SetDefault("BLOB_LOCAL_DIR", "./data/blobs")
	v.SetDefault("RECORD_NAMESPACE", "gallery")
	v.SetDefault("RECORD_DSN", "")
	v.SetDefault("DOWNLOAD_SECRET", "")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SAMPLE_INTERVAL_MS", 1000)
	v.SetDefault("CROWD_THRESHOLD", 3)
	v.SetDefault("BLUR_RADIUS_MIN", 15)
	v.SetDefault("IMAGE_QUALITY", 80)
	v.SetDefault("IMAGE_MAX_PX", 768)
	v.SetDefault("INTERRUPT_ENERGY_THRESHOLD", 1000.0)
	v.SetDefault("INTERRUPT_MIN_MS", 200)
	v.SetDefault("SPEECH_DETECTOR", "energy")
	v.SetDefault("SILERO_MODEL_PATH", "")

	v.SetDefault("SIGNED_URL_TTL_SECS", 900)
	v.SetDefault("RATE_LIMIT_RPM", 10)
	v.SetDefault("SESSION_IDLE_SECS", 300)
	v.SetDefault("SESSION_MAX_SECS", 3600)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	if config.VisionAPIKey == "" {
		config.VisionAPIKey = config.LiveAPIKey
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}

// CORSAllowedOrigins splits the configured origin list. Empty config means
// cross-origin requests are disallowed.
func (c *AppConfig) CORSAllowedOrigins() []string {
	if strings.TrimSpace(c.CORSOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
