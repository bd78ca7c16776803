// Package config provides utilities to load dispatcher environment variables & set config structs, it includes app, logger, storage, broker, queue, worker pool & cloud provider settings.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains every section the dispatcher reads at startup
type (
	AppConfig struct {
		App         *App         `mapstructure:"app"`
		Redis       *Redis       `mapstructure:"redis"`
		Logger      *Logger      `mapstructure:"logger"`
		DB          *DB          `mapstructure:"db"`
		Mongo       *Mongo       `mapstructure:"mongo"`
		SQLite      *SQLite      `mapstructure:"sqlite"`
		RabbitMQ    *RabbitMQ    `mapstructure:"rabbitmq"`
		Prometheus  *Prometheus  `mapstructure:"prometheus"`
		HTTP        *HTTP        `mapstructure:"http"`
		Queue       *Queue       `mapstructure:"queue"`
		Local       *Local       `mapstructure:"local"`
		Cloud       *Cloud       `mapstructure:"cloud"`
		Fallback    *Fallback    `mapstructure:"fallback"`
		Selector    *Selector    `mapstructure:"selector"`
		Persistence *Persistence `mapstructure:"persistence"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the heartbeat store & status cache
	Redis struct {
		Host      string        `mapstructure:"host"`
		Port      string        `mapstructure:"port"`
		Addr      string        `mapstructure:"addr"`
		Password  string        `mapstructure:"password"`
		TTL       time.Duration `mapstructure:"ttl"`
		StatusTTL time.Duration `mapstructure:"statusTTL"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Database   string `mapstructure:"database"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
		MaxConns   int32  `mapstructure:"maxConns"`
	}

	Mongo struct {
		URI        string `mapstructure:"uri"`
		Database   string `mapstructure:"database"`
		Collection string `mapstructure:"collection"`
	}

	SQLite struct {
		Path string `mapstructure:"path"`
	}

	// RabbitMQ contains the broker url plus the event exchange & submission queue names
	RabbitMQ struct {
		URL              string `mapstructure:"url"`
		EventsExchange   string `mapstructure:"eventsExchange"`
		SubmissionsQueue string `mapstructure:"submissionsQueue"`
		Prefetch         int    `mapstructure:"prefetch"`
		ConsumeEnabled   bool   `mapstructure:"consumeEnabled"`
	}

	// Prometheus points at the server scraping the GPU exporters
	Prometheus struct {
		URL      string `mapstructure:"url"`
		GPUQuery string `mapstructure:"gpuQuery"`
	}

	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"readTimeout"`
		WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	}

	Queue struct {
		Concurrency       int           `mapstructure:"concurrency"`
		MaxAttempts       int           `mapstructure:"maxAttempts"`
		BackoffBase       time.Duration `mapstructure:"backoffBase"`
		JobTimeout        time.Duration `mapstructure:"jobTimeout"`
		VideoJobTimeout   time.Duration `mapstructure:"videoJobTimeout"`
		Retention         time.Duration `mapstructure:"retention"`
		RetentionSchedule string        `mapstructure:"retentionSchedule"`
		PersistBuffer     int           `mapstructure:"persistBuffer"`
	}

	// Local lists the fixed GPU worker endpoints
	Local struct {
		Workers          []string      `mapstructure:"workers"`
		ProbeTimeout     time.Duration `mapstructure:"probeTimeout"`
		HealthInterval   time.Duration `mapstructure:"healthInterval"`
		FailureThreshold int           `mapstructure:"failureThreshold"`
		CostPerJob       float64       `mapstructure:"costPerJob"`
		AvgSpeedSeconds  float64       `mapstructure:"avgSpeedSeconds"`
		PushGrace        time.Duration `mapstructure:"pushGrace"`
		PollInterval     time.Duration `mapstructure:"pollInterval"`
	}

	// Cloud configures the elastic pod pool; Provider is runpod, kubernetes or none
	Cloud struct {
		Provider          string        `mapstructure:"provider"`
		MaxPods           int           `mapstructure:"maxPods"`
		ScaleThreshold    int           `mapstructure:"scaleThreshold"`
		AutoscaleSchedule string        `mapstructure:"autoscaleSchedule"`
		IdleTimeout       time.Duration `mapstructure:"idleTimeout"`
		IdleCheckInterval time.Duration `mapstructure:"idleCheckInterval"`
		AcquireTimeout    time.Duration `mapstructure:"acquireTimeout"`
		ReadyTimeout      time.Duration `mapstructure:"readyTimeout"`
		ProvisionAttempts int           `mapstructure:"provisionAttempts"`
		GPUType           string        `mapstructure:"gpuType"`
		Image             string        `mapstructure:"image"`
		Port              int           `mapstructure:"port"`
		CostPerHour       float64       `mapstructure:"costPerHour"`
		JobCostEstimate   float64       `mapstructure:"jobCostEstimate"`
		AvgSpeedSeconds   float64       `mapstructure:"avgSpeedSeconds"`
		PreferServerless  bool          `mapstructure:"preferServerless"`
		RunPod            *RunPod       `mapstructure:"runpod"`
		Kubernetes        *Kubernetes   `mapstructure:"kubernetes"`
		Serverless        *Serverless   `mapstructure:"serverless"`
	}

	RunPod struct {
		APIKey          string `mapstructure:"apiKey"`
		GraphQLURL      string `mapstructure:"graphqlURL"`
		CloudType       string `mapstructure:"cloudType"`
		VolumeGB        int    `mapstructure:"volumeGB"`
		ContainerDiskGB int    `mapstructure:"containerDiskGB"`
		ProxyDomain     string `mapstructure:"proxyDomain"`
	}

	Kubernetes struct {
		Kubeconfig   string            `mapstructure:"kubeconfig"`
		Namespace    string            `mapstructure:"namespace"`
		GPUResource  string            `mapstructure:"gpuResource"`
		NodeSelector map[string]string `mapstructure:"nodeSelector"`
	}

	Serverless struct {
		EndpointID    string        `mapstructure:"endpointID"`
		BaseURL       string        `mapstructure:"baseURL"`
		PollInterval  time.Duration `mapstructure:"pollInterval"`
		Timeout       time.Duration `mapstructure:"timeout"`
		CostPerSecond float64       `mapstructure:"costPerSecond"`
	}

	// Fallback is the metered external generation API
	Fallback struct {
		URL             string        `mapstructure:"url"`
		APIKey          string        `mapstructure:"apiKey"`
		Model           string        `mapstructure:"model"`
		CostPerJob      float64       `mapstructure:"costPerJob"`
		AvgSpeedSeconds float64       `mapstructure:"avgSpeedSeconds"`
		PollInterval    time.Duration `mapstructure:"pollInterval"`
		Timeout         time.Duration `mapstructure:"timeout"`
	}

	Weights struct {
		Cost        float64 `mapstructure:"cost"`
		Speed       float64 `mapstructure:"speed"`
		Queue       float64 `mapstructure:"queue"`
		HealthBonus float64 `mapstructure:"healthBonus"`
	}

	Selector struct {
		Balanced Weights `mapstructure:"balanced"`
		Speed    Weights `mapstructure:"speed"`
	}

	// Persistence picks the job store: mongo, postgres, sqlite or none
	Persistence struct {
		Driver string `mapstructure:"driver"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// setDefaults mirrors the values the dispatcher runs with when config.yaml is silent
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gpu-dispatcher")
	v.SetDefault("app.env", "development")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.encoderConfig.messageKey", "msg")
	v.SetDefault("logger.encoderConfig.levelKey", "level")
	v.SetDefault("logger.encoderConfig.timeKey", "ts")
	v.SetDefault("logger.encoderConfig.nameKey", "logger")
	v.SetDefault("logger.encoderConfig.callerKey", "caller")

	v.SetDefault("redis.ttl", 30*time.Second)
	v.SetDefault("redis.statusTTL", 24*time.Hour)

	v.SetDefault("db.connection", "postgres")
	v.SetDefault("db.maxConns", 4)

	v.SetDefault("mongo.database", "dispatcher")
	v.SetDefault("mongo.collection", "jobs")
	v.SetDefault("sqlite.path", "dispatcher.db")

	v.SetDefault("rabbitmq.eventsExchange", "dispatch.events")
	v.SetDefault("rabbitmq.submissionsQueue", "dispatch.submissions")
	v.SetDefault("rabbitmq.prefetch", 10)

	v.SetDefault("prometheus.gpuQuery", `avg(DCGM_FI_DEV_GPU_UTIL{instance="%s"})`)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", 15*time.Second)
	v.SetDefault("http.writeTimeout", 30*time.Second)

	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.maxAttempts", 3)
	v.SetDefault("queue.backoffBase", 2*time.Second)
	v.SetDefault("queue.jobTimeout", 10*time.Minute)
	v.SetDefault("queue.videoJobTimeout", 20*time.Minute)
	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.retentionSchedule", "@every 10m")
	v.SetDefault("queue.persistBuffer", 1024)

	v.SetDefault("local.probeTimeout", 5*time.Second)
	v.SetDefault("local.healthInterval", 30*time.Second)
	v.SetDefault("local.failureThreshold", 3)
	v.SetDefault("local.costPerJob", 0.0)
	v.SetDefault("local.avgSpeedSeconds", 10.0)
	v.SetDefault("local.pushGrace", 10*time.Second)
	v.SetDefault("local.pollInterval", 2*time.Second)

	v.SetDefault("cloud.provider", "none")
	v.SetDefault("cloud.maxPods", 5)
	v.SetDefault("cloud.scaleThreshold", 5)
	v.SetDefault("cloud.autoscaleSchedule", "@every 30s")
	v.SetDefault("cloud.idleTimeout", 5*time.Minute)
	v.SetDefault("cloud.idleCheckInterval", time.Minute)
	v.SetDefault("cloud.acquireTimeout", 60*time.Second)
	v.SetDefault("cloud.readyTimeout", 5*time.Minute)
	v.SetDefault("cloud.provisionAttempts", 3)
	v.SetDefault("cloud.gpuType", "NVIDIA RTX 3090")
	v.SetDefault("cloud.image", "ghcr.io/ai-dock/comfyui:latest")
	v.SetDefault("cloud.port", 8188)
	v.SetDefault("cloud.jobCostEstimate", 0.007)
	v.SetDefault("cloud.avgSpeedSeconds", 20.0)
	v.SetDefault("cloud.preferServerless", true)
	v.SetDefault("cloud.runpod.graphqlURL", "https://api.runpod.io/graphql")
	v.SetDefault("cloud.runpod.cloudType", "SECURE")
	v.SetDefault("cloud.runpod.volumeGB", 50)
	v.SetDefault("cloud.runpod.containerDiskGB", 20)
	v.SetDefault("cloud.runpod.proxyDomain", "proxy.runpod.net")
	v.SetDefault("cloud.kubernetes.namespace", "gpu-dispatch")
	v.SetDefault("cloud.kubernetes.gpuResource", "nvidia.com/gpu")
	v.SetDefault("cloud.serverless.baseURL", "https://api.runpod.ai/v2")
	v.SetDefault("cloud.serverless.pollInterval", 2*time.Second)
	v.SetDefault("cloud.serverless.timeout", 10*time.Minute)
	v.SetDefault("cloud.serverless.costPerSecond", 0.00034)

	v.SetDefault("fallback.costPerJob", 0.08)
	v.SetDefault("fallback.avgSpeedSeconds", 5.0)
	v.SetDefault("fallback.pollInterval", 2*time.Second)
	v.SetDefault("fallback.timeout", 5*time.Minute)

	v.SetDefault("selector.balanced.cost", 0.5)
	v.SetDefault("selector.balanced.speed", 0.3)
	v.SetDefault("selector.balanced.queue", 0.2)
	v.SetDefault("selector.balanced.healthBonus", 0.1)
	v.SetDefault("selector.speed.cost", 0.2)
	v.SetDefault("selector.speed.speed", 0.6)
	v.SetDefault("selector.speed.queue", 0.2)
	v.SetDefault("selector.speed.healthBonus", 0.1)

	v.SetDefault("persistence.driver", "none")
}

// bindEnv maps the conventional deployment variables onto config keys
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"app.name":                    "APP_NAME",
		"db.host":                     "PG_HOST",
		"db.port":                     "PG_PORT",
		"db.user":                     "PG_USER",
		"db.password":                 "PG_PASS",
		"db.name":                     "PG_DB",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"mongo.uri":                   "MONGO_URI",
		"rabbitmq.url":                "AMQP_URL",
		"prometheus.url":              "PROMETHEUS_URL",
		"local.workers":               "COMFYUI_WORKERS",
		"cloud.runpod.apiKey":         "RUNPOD_API_KEY",
		"cloud.serverless.endpointID": "RUNPOD_SERVERLESS_ENDPOINT_ID",
		"cloud.kubernetes.kubeconfig": "KUBECONFIG",
		"fallback.apiKey":             "FALLBACK_API_KEY",
		"persistence.driver":          "PERSISTENCE_DRIVER",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("binding %s to %s: %w", key, env, err)
		}
	}
	return nil
}

// Load reads config.yaml (or path when set) into an AppConfig using v
func Load(v *viper.Viper, path string) (*AppConfig, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/secrets/")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("env")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	var config *AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if config.Cloud.RunPod == nil {
		config.Cloud.RunPod = &RunPod{}
	}
	if config.Cloud.Kubernetes == nil {
		config.Cloud.Kubernetes = &Kubernetes{}
	}
	if config.Cloud.Serverless == nil {
		config.Cloud.Serverless = &Serverless{}
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config, nil
}

// New creates a new AppConfig instance from the global viper, exiting on failure
func New() *AppConfig {
	config, err := Load(viper.GetViper(), "")
	if err != nil {
		log.Fatalf("%v", err)
	}
	return config
}
