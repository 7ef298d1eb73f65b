package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo".
	Mode string
	// Addr is the binding address for server.
	Addr string
	// Port is the binding port for server.
	Port int
	// Data is the data directory.
	Data string
	// Driver is the database driver: sqlite or postgres.
	Driver string
	// DSN is the database source name.
	DSN string
	// Version is the current version of server.
	Version string
	// InstanceURL is the public URL of this instance, used when
	// subscribing platform webhooks.
	InstanceURL string

	// MasterKey encrypts credential envelopes at rest.
	MasterKey string
	// RefreshThresholdMinutes is how far ahead of expiry credentials are
	// proactively refreshed.
	RefreshThresholdMinutes int
	// RefreshWorkers caps concurrent refresh jobs.
	RefreshWorkers int
	// RefreshMaxAttempts caps retries per refresh job.
	RefreshMaxAttempts int
	// SweepSchedule is the cron expression for the per-tenant refresh scan.
	SweepSchedule string

	// MetaAppID and MetaAppSecret identify the Meta app used for token
	// exchange and webhook signature verification.
	MetaAppID     string
	MetaAppSecret string
	// TikTokClientKey and TikTokClientSecret identify the TikTok app.
	TikTokClientKey    string
	TikTokClientSecret string
	// WebhookVerifyToken answers the platform webhook verification handshake.
	WebhookVerifyToken string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.MasterKey = getEnvOrDefault("OMNIHUB_MASTER_KEY", "")
	p.RefreshThresholdMinutes = getEnvOrDefaultInt("OMNIHUB_REFRESH_THRESHOLD_MINUTES", 30)
	p.RefreshWorkers = getEnvOrDefaultInt("OMNIHUB_REFRESH_WORKERS", 3)
	p.RefreshMaxAttempts = getEnvOrDefaultInt("OMNIHUB_REFRESH_MAX_ATTEMPTS", 3)
	p.SweepSchedule = getEnvOrDefault("OMNIHUB_REFRESH_SWEEP_SCHEDULE", "@every 15m")
	p.MetaAppID = getEnvOrDefault("OMNIHUB_META_APP_ID", "")
	p.MetaAppSecret = getEnvOrDefault("OMNIHUB_META_APP_SECRET", "")
	p.TikTokClientKey = getEnvOrDefault("OMNIHUB_TIKTOK_CLIENT_KEY", "")
	p.TikTokClientSecret = getEnvOrDefault("OMNIHUB_TIKTOK_CLIENT_SECRET", "")
	p.WebhookVerifyToken = getEnvOrDefault("OMNIHUB_WEBHOOK_VERIFY_TOKEN", "")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.MasterKey == "" {
		return errors.New("OMNIHUB_MASTER_KEY must be set in prod mode")
	}
	if p.MasterKey != "" && len(p.MasterKey) < 16 {
		return errors.Errorf("OMNIHUB_MASTER_KEY must be at least 16 bytes, got %d", len(p.MasterKey))
	}

	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported database driver: %s", p.Driver)
	}

	if p.Data == "" {
		p.Data = "."
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("omnihub_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for the postgres driver")
	}

	if p.RefreshWorkers <= 0 {
		p.RefreshWorkers = 3
	}
	if p.RefreshMaxAttempts <= 0 {
		p.RefreshMaxAttempts = 3
	}
	if p.RefreshThresholdMinutes <= 0 {
		p.RefreshThresholdMinutes = 30
	}

	return nil
}
