package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Transcription struct {
	UseOpenAI      bool          `mapstructure:"use_openai"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	URL            string        `mapstructure:"url"`
	AutoStart      bool          `mapstructure:"auto_start"`
	AutoCapture    bool          `mapstructure:"auto_capture"`
	MaxOutstanding int           `mapstructure:"max_outstanding"`
	MaxRetries     int           `mapstructure:"max_retries"`
	ReconnectBase  time.Duration `mapstructure:"reconnect_base"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	FFmpegPath     string        `mapstructure:"ffmpeg_path"`
	Persist        bool          `mapstructure:"persist"`
}

type Kafka struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	PartialTopic string   `mapstructure:"partial_topic"`
	FinalTopic   string   `mapstructure:"final_topic"`
}

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	DataDir    string `mapstructure:"data_dir"`
	S3Bucket   string `mapstructure:"s3_bucket"`

	Transcription Transcription `mapstructure:"transcription"`
	Kafka         Kafka         `mapstructure:"kafka"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("data_dir", "./data/transcripts")
	v.SetDefault("transcription.model", "gpt-4o-transcribe")
	v.SetDefault("transcription.max_outstanding", 8)
	v.SetDefault("transcription.max_retries", 10)
	v.SetDefault("transcription.reconnect_base", "500ms")
	v.SetDefault("transcription.tick_interval", "1s")
	v.SetDefault("transcription.ffmpeg_path", "ffmpeg")
	v.SetDefault("kafka.partial_topic", "transcript.partial")
	v.SetDefault("kafka.final_topic", "transcript.final")

	v.SetEnvPrefix("MEETSRV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// env names kept from the original deploy scripts
	_ = v.BindEnv("transcription.use_openai", "USE_OPENAI_TRANSCRIBE")
	_ = v.BindEnv("transcription.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("transcription.auto_start", "AUTO_START_TRANSCRIPTION")
	_ = v.BindEnv("transcription.auto_capture", "AUTO_SFU_CAPTURE")
	_ = v.BindEnv("transcription.persist", "PERSIST_TRANSCRIPTS")
	_ = v.BindEnv("s3_bucket", "S3_BUCKET")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d\n", cfg.Mode, cfg.Port)
	return &cfg, nil
}
