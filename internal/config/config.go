package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"":                                     true,
}

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	JWT          JWTConfig
	Hypervisor   HypervisorConfig
	Tunnel       TunnelConfig
	DNS          DNSConfig
	Redis        RedisConfig
	SMTP         SMTPConfig
	SSH          SSHConfig
	Billing      BillingConfig
	Provisioning ProvisioningConfig
	Snapshot     SnapshotConfig
	Limits       LimitsConfig
	PlansFile    string
}

type ServerConfig struct {
	Port           string
	Mode           string
	AllowedOrigins []string // WebSocket origins; empty allows any
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Schema   string
	SSLMode  string
}

type JWTConfig struct {
	SecretKey string
}

type HypervisorConfig struct {
	Driver string // proxmox, libvirt

	// Proxmox VE
	URL           string
	TokenID       string
	TokenSecret   string
	Node          string
	BackupStorage string

	// libvirt
	LibvirtSocket string
	StoragePool   string
	Network       string
}

type TunnelConfig struct {
	ServiceURL string
	APIKey     string
	BaseDomain string
}

type DNSConfig struct {
	Resolver string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

type SSHConfig struct {
	Port           int
	PrivateKeyPath string
	Password       string
	KnownHostsPath string
	DialTimeout    time.Duration
}

type BillingConfig struct {
	TickInterval           time.Duration
	PaidDomainPointsPerDay models.Points
	LowBalanceDays         int
}

type ProvisioningConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
	OpTimeout    time.Duration
	StatsTTL     time.Duration
}

type SnapshotConfig struct {
	DefaultQuota int
	ExportWait   time.Duration
}

type LimitsConfig struct {
	MaxInstancesPerUser   int
	MaxDomainsPerInstance int
	FreeDomainLimit       int
}

func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8020"),
			Mode:           getEnv("GIN_MODE", "release"),
			AllowedOrigins: getEnvList("WS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "saas_user"),
			Password: getEnv("DB_PASSWORD", "saas_pass"),
			DBName:   getEnv("DB_NAME", "saas_db"),
			Schema:   getEnv("DB_SCHEMA", "compute"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Hypervisor: HypervisorConfig{
			Driver:        getEnv("HYPERVISOR_DRIVER", "proxmox"),
			URL:           getEnv("PROXMOX_URL", "https://localhost:8006"),
			TokenID:       getEnv("PROXMOX_TOKEN_ID", ""),
			TokenSecret:   getEnv("PROXMOX_TOKEN_SECRET", ""),
			Node:          getEnv("PROXMOX_NODE", "pve"),
			BackupStorage: getEnv("PROXMOX_BACKUP_STORAGE", "local"),
			LibvirtSocket: getEnv("LIBVIRT_SOCKET", "/var/run/libvirt/libvirt-sock"),
			StoragePool:   getEnv("LIBVIRT_STORAGE_POOL", "default"),
			Network:       getEnv("LIBVIRT_NETWORK", "default"),
		},
		Tunnel: TunnelConfig{
			ServiceURL: getEnv("TUNNEL_SERVICE_URL", "http://localhost:8390"),
			APIKey:     getEnv("TUNNEL_API_KEY", ""),
			BaseDomain: getEnv("TUNNEL_BASE_DOMAIN", "apps.example.com"),
		},
		DNS: DNSConfig{
			Resolver: getEnv("DNS_RESOLVER", "1.1.1.1:53"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			User:     getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASS", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
		SSH: SSHConfig{
			Port:           getEnvInt("SSH_PORT", 22),
			PrivateKeyPath: getEnv("SSH_PRIVATE_KEY_PATH", ""),
			Password:       getEnv("SSH_PASSWORD", ""),
			KnownHostsPath: getEnv("SSH_KNOWN_HOSTS", ""),
			DialTimeout:    getEnvDuration("SSH_DIAL_TIMEOUT", 15*time.Second),
		},
		Billing: BillingConfig{
			TickInterval:           getEnvDuration("BILLING_TICK", time.Minute),
			PaidDomainPointsPerDay: getEnvPoints("PAID_DOMAIN_POINTS_PER_DAY", models.WholePoints(2)),
			LowBalanceDays:         getEnvInt("LOW_BALANCE_DAYS", 1),
		},
		Provisioning: ProvisioningConfig{
			Timeout:      getEnvDuration("PROVISION_TIMEOUT", 10*time.Minute),
			PollInterval: getEnvDuration("PROVISION_POLL_INTERVAL", 5*time.Second),
			OpTimeout:    getEnvDuration("HYPERVISOR_OP_TIMEOUT", 2*time.Minute),
			StatsTTL:     getEnvDuration("STATS_CACHE_TTL", 5*time.Second),
		},
		Snapshot: SnapshotConfig{
			DefaultQuota: getEnvInt("SNAPSHOT_DEFAULT_QUOTA", 3),
			ExportWait:   getEnvDuration("SNAPSHOT_EXPORT_WAIT", 20*time.Second),
		},
		Limits: LimitsConfig{
			MaxInstancesPerUser:   getEnvInt("MAX_INSTANCES_PER_USER", 5),
			MaxDomainsPerInstance: getEnvInt("MAX_DOMAINS_PER_INSTANCE", 10),
			FreeDomainLimit:       getEnvInt("FREE_DOMAIN_LIMIT", 3),
		},
		PlansFile: getEnv("PLANS_FILE", ""),
	}

	// 日志脱敏: 不记录敏感配置
	log.Printf("[config] Compute Service loaded: port=%s db=%s/%s.%s hypervisor=%s tick=%s",
		cfg.Server.Port, cfg.Database.Host, cfg.Database.DBName, cfg.Database.Schema,
		cfg.Hypervisor.Driver, cfg.Billing.TickInterval)

	return cfg
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	switch c.Hypervisor.Driver {
	case "proxmox":
		if c.Hypervisor.TokenID == "" || c.Hypervisor.TokenSecret == "" {
			return fmt.Errorf("PROXMOX_TOKEN_ID and PROXMOX_TOKEN_SECRET are required for the proxmox driver")
		}
	case "libvirt":
	default:
		return fmt.Errorf("unknown HYPERVISOR_DRIVER %q", c.Hypervisor.Driver)
	}

	if c.Billing.TickInterval < time.Second {
		return fmt.Errorf("BILLING_TICK must be at least 1s")
	}
	if c.SSH.PrivateKeyPath == "" && c.SSH.Password == "" {
		return fmt.Errorf("one of SSH_PRIVATE_KEY_PATH or SSH_PASSWORD is required")
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("[config] Ignoring invalid duration %s=%q", key, value)
	}
	return defaultValue
}

func getEnvPoints(key string, defaultValue models.Points) models.Points {
	if value := os.Getenv(key); value != "" {
		if p, err := models.ParsePoints(value); err == nil && p >= 0 {
			return p
		}
		log.Printf("[config] Ignoring invalid point amount %s=%q", key, value)
	}
	return defaultValue
}
