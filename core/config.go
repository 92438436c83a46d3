package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a Worker process. It is assembled in
// three layers, lowest priority first: DefaultConfig(), environment
// variables (LoadFromEnv), then functional Options passed to NewConfig.
type Config struct {
	Name        string
	StageType   string
	Concurrency int

	JobManager  JobManagerConfig
	Resilience  ResilienceConfig
	Backoff     BackoffConfig
	Telemetry   TelemetryConfig
	Redis       RedisConfig
	Logging     LoggingConfig
	Development DevelopmentConfig

	// Logger overrides the logger built from Logging/Development when set
	// via WithLogger. Populated by NewConfig, not by LoadFromEnv.
	Logger Logger
}

// JobManagerConfig describes how to reach the Job Manager's HTTP/JSON
// control plane.
type JobManagerConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	UserAgent      string
}

// ResilienceConfig groups the two breaker configurations the Worker wires:
// one around the user handler, one around the dequeue call.
type ResilienceConfig struct {
	TaskHandlerBreaker CircuitBreakerConfig
	DequeueBreaker     CircuitBreakerConfig
}

// CircuitBreakerConfig mirrors the options enumerated in the breaker
// component design: a rolling error-rate window with a cooldown.
type CircuitBreakerConfig struct {
	Enabled                  bool
	ErrorThresholdPercentage float64
	VolumeThreshold          int
	RollingCountTimeout      time.Duration
	ResetTimeout             time.Duration
	TimeoutMs                time.Duration
}

// DefaultCircuitBreakerConfig returns the breaker defaults required by the
// worker's two breaker instances: 50% error threshold, 30s reset.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:                  true,
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          20,
		RollingCountTimeout:      10 * time.Second,
		ResetTimeout:             30 * time.Second,
		TimeoutMs:                0,
	}
}

// BackoffConfig configures ExponentialBackoff. See backoff.ExponentialBackoff.
type BackoffConfig struct {
	InitialBaseRetryDelayMs int64
	BackoffFactor           float64
	MaxDelayMs              int64
	DisableJitter           bool
	MaxJitterFactor         float64
}

// DefaultBackoffConfig provides conservative, non-zero defaults so a Worker
// constructed without explicit backoffOptions still behaves sanely; the
// spec requires backoffOptions to be supplied, but these are used by
// DefaultConfig()/LoadFromEnv() before options are applied.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBaseRetryDelayMs: 200,
		BackoffFactor:           2.0,
		MaxDelayMs:              30_000,
		DisableJitter:           false,
		MaxJitterFactor:         0.25,
	}
}

// TelemetryConfig controls OpenTelemetry wiring: trace/metric export and
// W3C trace-context propagation.
type TelemetryConfig struct {
	Enabled       bool
	ServiceName   string
	OTELEndpoint  string
	EnableMetrics bool
	EnableTracing bool
}

// RedisConfig enables an optional distributed idempotency guard used by the
// Consumer to short-circuit duplicate mark-completed/mark-failed calls when
// multiple Worker replicas share a stage type (see jobmanager/idempotency.go).
type RedisConfig struct {
	Enabled        bool
	URL            string
	IdempotencyTTL time.Duration
}

// LoggingConfig controls the output of ProductionLogger.
type LoggingConfig struct {
	Level  string // debug|info|warn|error
	Format string // json|text
	Output string // stdout|stderr
}

// DevelopmentConfig enables local-development conveniences.
type DevelopmentConfig struct {
	DebugLogging bool
	Mode         bool
}

// Option mutates a Config being built by NewConfig. An Option returning an
// error aborts construction — this is how construction-time ConfigurationErrors
// surface per the error taxonomy.
type Option func(*Config) error

// DefaultConfig returns the lowest-priority layer of configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:        "jobnik-worker",
		Concurrency: 1,
		JobManager: JobManagerConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: 30 * time.Second,
			UserAgent:      "jobnik-worker-sdk",
		},
		Resilience: ResilienceConfig{
			TaskHandlerBreaker: DefaultCircuitBreakerConfig("taskHandler"),
			DequeueBreaker:     DefaultCircuitBreakerConfig("dequeueTask"),
		},
		Backoff: DefaultBackoffConfig(),
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "jobnik-worker",
			EnableMetrics: true,
			EnableTracing: true,
		},
		Redis: RedisConfig{
			Enabled:        false,
			IdempotencyTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Development: DevelopmentConfig{},
	}
}

// LoadFromEnv overlays environment variables onto the config. Unset
// variables leave the existing value untouched.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("JOBNIK_WORKER_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("JOBNIK_STAGE_TYPE"); v != "" {
		c.StageType = v
	}
	if v := os.Getenv("JOBNIK_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return NewFrameworkError("LoadFromEnv", "config", "", "invalid JOBNIK_CONCURRENCY", err)
		}
		c.Concurrency = n
	}
	if v := os.Getenv("JOBNIK_MANAGER_BASE_URL"); v != "" {
		c.JobManager.BaseURL = v
	}
	if v := os.Getenv("JOBNIK_MANAGER_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return NewFrameworkError("LoadFromEnv", "config", "", "invalid JOBNIK_MANAGER_TIMEOUT_MS", err)
		}
		c.JobManager.RequestTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("JOBNIK_BACKOFF_INITIAL_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return NewFrameworkError("LoadFromEnv", "config", "", "invalid JOBNIK_BACKOFF_INITIAL_MS", err)
		}
		c.Backoff.InitialBaseRetryDelayMs = n
	}
	if v := os.Getenv("JOBNIK_BACKOFF_FACTOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return NewFrameworkError("LoadFromEnv", "config", "", "invalid JOBNIK_BACKOFF_FACTOR", err)
		}
		c.Backoff.BackoffFactor = f
	}
	if v := os.Getenv("JOBNIK_BACKOFF_MAX_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return NewFrameworkError("LoadFromEnv", "config", "", "invalid JOBNIK_BACKOFF_MAX_MS", err)
		}
		c.Backoff.MaxDelayMs = n
	}
	if v := os.Getenv("JOBNIK_BACKOFF_DISABLE_JITTER"); v != "" {
		c.Backoff.DisableJitter = parseBool(v)
	}

	if v := os.Getenv("JOBNIK_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("JOBNIK_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.OTELEndpoint = v
	}

	if v := os.Getenv("JOBNIK_REDIS_URL"); v != "" {
		c.Redis.Enabled = true
		c.Redis.URL = v
	}

	if v := os.Getenv("JOBNIK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("JOBNIK_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("JOBNIK_DEV_MODE"); v != "" {
		c.Development.Mode = parseBool(v)
		c.Development.DebugLogging = c.Development.Mode
	}

	return nil
}

// LoadFromFile overlays a JSON or YAML configuration document onto the
// config, selecting the decoder by file extension.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewFrameworkError("LoadFromFile", "config", path, "failed to read config file", err)
	}

	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, c); err != nil {
			return NewFrameworkError("LoadFromFile", "config", path, "failed to parse yaml config", err)
		}
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return NewFrameworkError("LoadFromFile", "config", path, "failed to parse json config", err)
		}
	}
	return nil
}

// Validate checks required fields and internally-consistent values. It is
// the source of ConfigurationError{kind: MissingField|InvalidRetryPolicy|InvalidURL}.
func (c *Config) Validate() error {
	if c.StageType == "" {
		return NewConfigurationError(ConfigMissingField, "stageType is required")
	}
	if c.Concurrency < 1 {
		return NewConfigurationError(ConfigMissingField, "concurrency must be >= 1")
	}
	if c.JobManager.BaseURL == "" {
		return NewConfigurationError(ConfigInvalidURL, "jobManager.baseURL is required")
	}
	if !strings.HasPrefix(c.JobManager.BaseURL, "http://") && !strings.HasPrefix(c.JobManager.BaseURL, "https://") {
		return NewConfigurationError(ConfigInvalidURL, "jobManager.baseURL must be an absolute http(s) URL")
	}
	if c.Backoff.InitialBaseRetryDelayMs < 0 || c.Backoff.MaxDelayMs <= 0 || c.Backoff.BackoffFactor < 1 {
		return NewConfigurationError(ConfigInvalidRetryPolicy, "backoffOptions are invalid")
	}
	if c.Backoff.InitialBaseRetryDelayMs > c.Backoff.MaxDelayMs {
		return NewConfigurationError(ConfigInvalidRetryPolicy, "initialBaseRetryDelayMs exceeds maxDelayMs")
	}
	return nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// --- Functional options -----------------------------------------------------

// WithStageType sets the stage type this Worker consumes.
func WithStageType(stageType string) Option {
	return func(c *Config) error {
		if stageType == "" {
			return NewConfigurationError(ConfigMissingField, "stageType must not be empty")
		}
		c.StageType = stageType
		return nil
	}
}

// WithConcurrency sets the maximum number of in-flight handlers.
func WithConcurrency(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return NewConfigurationError(ConfigMissingField, "concurrency must be >= 1")
		}
		c.Concurrency = n
		return nil
	}
}

// WithJobManagerURL sets the Job Manager base URL.
func WithJobManagerURL(baseURL string) Option {
	return func(c *Config) error {
		if baseURL == "" {
			return NewConfigurationError(ConfigInvalidURL, "baseURL must not be empty")
		}
		c.JobManager.BaseURL = baseURL
		return nil
	}
}

// WithJobManagerTimeout overrides the HTTP client's per-request timeout.
func WithJobManagerTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.JobManager.RequestTimeout = timeout
		return nil
	}
}

// WithBackoff sets the backoff options used to pace empty/failing polls.
// backoffOptions are required by the spec; this option is how callers supply
// them since DefaultConfig only ships a placeholder.
func WithBackoff(cfg BackoffConfig) Option {
	return func(c *Config) error {
		c.Backoff = cfg
		return nil
	}
}

// WithTaskHandlerCircuitBreaker overrides the breaker wrapping the user handler.
func WithTaskHandlerCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(c *Config) error {
		c.Resilience.TaskHandlerBreaker = cfg
		return nil
	}
}

// WithDequeueCircuitBreaker overrides the breaker wrapping the dequeue call.
func WithDequeueCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(c *Config) error {
		c.Resilience.DequeueBreaker = cfg
		return nil
	}
}

// WithTelemetry enables OTel export to the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.OTELEndpoint = endpoint
		return nil
	}
}

// WithRedisIdempotencyGuard enables the optional distributed dedupe guard.
func WithRedisIdempotencyGuard(url string, ttl time.Duration) Option {
	return func(c *Config) error {
		c.Redis.Enabled = true
		c.Redis.URL = url
		if ttl > 0 {
			c.Redis.IdempotencyTTL = ttl
		}
		return nil
	}
}

// WithLogLevel overrides the logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat overrides the logging format (json|text).
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithConfigFile overlays a JSON/YAML file at its position in the option
// list: options before it can be overwritten by the file, options after it
// take precedence over the file's values.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithDevelopmentMode enables verbose local-dev logging.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Mode = enabled
		c.Development.DebugLogging = enabled
		return nil
	}
}

// WithLogger injects a pre-built logger, bypassing LoggingConfig entirely.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// NewConfig builds a Config by applying DefaultConfig, then LoadFromEnv,
// then each Option in order, then Validate.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()

	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// --- ProductionLogger ---------------------------------------------------

// ProductionLogger is a structured logger over LoggingConfig/DevelopmentConfig,
// optionally emitting a framework-operations metric through the global
// metrics registry once telemetry registers itself (see SetMetricsRegistry).
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	logger := &ProductionLogger{
		level:          strings.ToLower(logging.Level),
		debug:          dev.DebugLogging || logging.Level == "debug",
		serviceName:    serviceName,
		format:         logging.Format,
		output:         output,
		metricsEnabled: false,
	}
	trackLogger(logger)
	return logger
}

// EnableMetrics is called by the telemetry module once it registers a
// MetricsRegistry globally.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

// WithComponent returns a logger that tags every entry with component,
// satisfying ComponentAwareLogger.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.serviceName = p.serviceName + "/" + component
	return &clone
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": "worker",
			"message":   msg,
		}

		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}

		for k, v := range fields {
			logEntry[k] = v
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["trace_id"] != "" {
				traceInfo = fmt.Sprintf("[trace=%s] ", baggage["trace_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n",
			timestamp, level, p.serviceName, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitOperationMetric(level, msg, fields, ctx)
	}
}

func (p *ProductionLogger) emitOperationMetric(level, msg string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", "worker",
	}

	for k, v := range fields {
		switch k {
		case "operation", "status", "stageType", "breaker", "location":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "jobnik.worker.operations", 1.0, labels...)
	} else {
		emitMetric("jobnik.worker.operations", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
