package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	LogLevel        string
	Migrate         bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig points at the bucket used for audit archives. An empty
// endpoint disables archiving.
type StorageConfig struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	BucketAudit string
	UseSSL      bool
	Region      string
}

type Argon2Config struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

type SecurityConfig struct {
	JWTSecret         string
	JWTIssuer         string
	JWTAudience       string
	TokenTTL          time.Duration
	TokenLeeway       time.Duration
	SessionTTL        time.Duration
	LockoutThreshold  int
	LockoutDuration   time.Duration
	RateLimitWindow   time.Duration
	RateLimitMax      int
	Pending2FATTL     time.Duration
	SetupTTL          time.Duration
	TOTPIssuer        string
	BackupCodeCount   int
	Argon2            Argon2Config
	BootstrapUsername string
}

type PasswordPolicyConfig struct {
	MinLength         int
	RequireUppercase  bool
	RequireLowercase  bool
	RequireDigits     bool
	RequireSpecial    bool
	MaxRepeating      int
	ForbiddenPatterns []string
}

type AuditConfig struct {
	Mode          string
	Stream        string
	StreamMaxLen  int64
	BufferSize    int
	AppendTimeout time.Duration
}

type WorkerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	ClaimInterval time.Duration
}

type JobsConfig struct {
	SessionSweep          string
	FailureMonitor        string
	AuditArchive          string
	FailureAlertThreshold int64
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Database         DatabaseConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Password         PasswordPolicyConfig
	Audit            AuditConfig
	Worker           WorkerConfig
	Jobs             JobsConfig
	AllowCORSOrigins []string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	AuditModeDirect = "direct"
	AuditModeStream = "stream"
)

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("AUTHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the engine cannot run safely with.
func (c *AppConfig) Validate() error {
	var problems []string

	if c.Security.JWTSecret == "" {
		problems = append(problems, "security.jwtsecret is required")
	} else if c.Environment == "production" && len(c.Security.JWTSecret) < 32 {
		problems = append(problems, "security.jwtsecret must be at least 32 bytes in production")
	}

	for name, d := range map[string]time.Duration{
		"security.tokenttl":        c.Security.TokenTTL,
		"security.sessionttl":      c.Security.SessionTTL,
		"security.lockoutduration": c.Security.LockoutDuration,
		"security.ratelimitwindow": c.Security.RateLimitWindow,
		"security.pending2fattl":   c.Security.Pending2FATTL,
		"security.setupttl":        c.Security.SetupTTL,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}

	if c.Security.LockoutThreshold <= 0 {
		problems = append(problems, "security.lockoutthreshold must be positive")
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Audit.Mode {
	case AuditModeDirect, AuditModeStream:
	default:
		problems = append(problems, fmt.Sprintf("audit.mode %q is not supported", c.Audit.Mode))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")
	v.SetDefault("http.trustedproxies", []string{})

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxopen", 30)
	v.SetDefault("database.maxidle", 10)
	v.SetDefault("database.connmaxlifetime", "30m")
	v.SetDefault("database.connmaxidletime", "5m")
	v.SetDefault("database.loglevel", "warn")
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bucketaudit", "authgate-audit")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("security.jwtsecret", "")
	v.SetDefault("security.jwtissuer", "authgate-backend")
	v.SetDefault("security.jwtaudience", "authgate-clients")
	v.SetDefault("security.tokenttl", "8h")
	v.SetDefault("security.tokenleeway", "60s")
	v.SetDefault("security.sessionttl", "8h")
	v.SetDefault("security.lockoutthreshold", 5)
	v.SetDefault("security.lockoutduration", "5m")
	v.SetDefault("security.ratelimitwindow", "5m")
	v.SetDefault("security.ratelimitmax", 10)
	v.SetDefault("security.pending2fattl", "5m")
	v.SetDefault("security.setupttl", "10m")
	v.SetDefault("security.totpissuer", "Authgate")
	v.SetDefault("security.backupcodecount", 10)
	v.SetDefault("security.argon2.time", 3)
	v.SetDefault("security.argon2.memory", 64*1024)
	v.SetDefault("security.argon2.threads", 2)
	v.SetDefault("security.argon2.keylen", 32)
	v.SetDefault("security.argon2.saltlen", 16)
	v.SetDefault("security.bootstrapusername", "administrator")

	v.SetDefault("password.minlength", 12)
	v.SetDefault("password.requireuppercase", true)
	v.SetDefault("password.requirelowercase", true)
	v.SetDefault("password.requiredigits", true)
	v.SetDefault("password.requirespecial", true)
	v.SetDefault("password.maxrepeating", 3)
	v.SetDefault("password.forbiddenpatterns", []string{
		"123", "abc", "password", "qwerty", "admin", "letmein", "welcome",
	})

	v.SetDefault("audit.mode", AuditModeDirect)
	v.SetDefault("audit.stream", "audit:events")
	v.SetDefault("audit.streammaxlen", 100000)
	v.SetDefault("audit.buffersize", 256)
	v.SetDefault("audit.appendtimeout", "2s")

	v.SetDefault("worker.stream", "audit:events")
	v.SetDefault("worker.group", "audit-writers")
	v.SetDefault("worker.consumer", "worker-1")
	v.SetDefault("worker.claiminterval", "10s")

	v.SetDefault("jobs.sessionsweep", "0 */10 * * * *")
	v.SetDefault("jobs.failuremonitor", "0 */5 * * * *")
	v.SetDefault("jobs.auditarchive", "0 15 0 * * *")
	v.SetDefault("jobs.failurealertthreshold", 50)

	v.SetDefault("allowcorsorigins", []string{})
}
