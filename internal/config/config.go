// Package config loads server configuration from agentmail.yaml and the
// AGENT_MAIL_* environment, then exposes a read-only snapshot that the rest
// of the server receives by handle.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Precedence: project agentmail.yaml (walking up from CWD) >
	// ~/.config/agentmail/agentmail.yaml > ~/.agentmail/agentmail.yaml
	configFileSet := false

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, "agentmail.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "agentmail", "agentmail.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".agentmail", "agentmail.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// AGENT_MAIL_STORAGE_ROOT maps to "storage-root", and so on.
	v.SetEnvPrefix("AGENT_MAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("storage-root", defaultStorageRoot())
	v.SetDefault("http-addr", "127.0.0.1:8765")
	v.SetDefault("http-path", "/mcp/")
	v.SetDefault("log-file", "")
	v.SetDefault("log-level", "info")

	// Attachment pipeline
	v.SetDefault("convert-images", true)
	v.SetDefault("inline-image-max-bytes", 65536)
	v.SetDefault("keep-original-images", false)

	// Reservation enforcement
	v.SetDefault("claims-enforcement-enabled", false)

	// Contact policy
	v.SetDefault("contact-enforcement-enabled", true)
	v.SetDefault("contact-auto-ttl-seconds", 7*24*3600)
	v.SetDefault("contact-approval-ttl-seconds", 30*24*3600)

	// ACK escalation worker
	v.SetDefault("ack-ttl-enabled", false)
	v.SetDefault("ack-ttl-seconds", 1800)
	v.SetDefault("ack-ttl-scan-interval-seconds", 60)
	v.SetDefault("ack-escalation-mode", "log") // log | claim
	v.SetDefault("ack-escalation-claim-ttl-seconds", 900)
	v.SetDefault("ack-escalation-claim-exclusive", false)
	v.SetDefault("ack-escalation-claim-holder-name", "OpsOverseer")

	// Background workers
	v.SetDefault("reservation-sweep-interval-seconds", 300)
	v.SetDefault("metrics-interval-seconds", 600)

	// Optional LLM digest refinement
	v.SetDefault("llm-refiner-enabled", false)
	v.SetDefault("anthropic-model", "claude-3-5-haiku-latest")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func defaultStorageRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".agentmail")
	}
	return ".agentmail"
}

// Settings is an immutable snapshot of the loaded configuration.
type Settings struct {
	StorageRoot string
	HTTPAddr    string
	HTTPPath    string
	LogFile     string
	LogLevel    string

	ConvertImages       bool
	InlineImageMaxBytes int64
	KeepOriginalImages  bool

	ClaimsEnforcementEnabled bool

	ContactEnforcementEnabled bool
	ContactAutoTTL            time.Duration
	ContactApprovalTTL        time.Duration

	AckTTLEnabled           bool
	AckTTL                  time.Duration
	AckScanInterval         time.Duration
	AckEscalationMode       string
	AckEscalationClaimTTL   time.Duration
	AckEscalationExclusive  bool
	AckEscalationHolderName string

	ReservationSweepInterval time.Duration
	MetricsInterval          time.Duration

	LLMRefinerEnabled bool
	AnthropicModel    string
}

// Snapshot captures the current configuration. Initialize must have been
// called first.
func Snapshot() Settings {
	return Settings{
		StorageRoot: v.GetString("storage-root"),
		HTTPAddr:    v.GetString("http-addr"),
		HTTPPath:    v.GetString("http-path"),
		LogFile:     v.GetString("log-file"),
		LogLevel:    v.GetString("log-level"),

		ConvertImages:       v.GetBool("convert-images"),
		InlineImageMaxBytes: v.GetInt64("inline-image-max-bytes"),
		KeepOriginalImages:  v.GetBool("keep-original-images"),

		ClaimsEnforcementEnabled: v.GetBool("claims-enforcement-enabled"),

		ContactEnforcementEnabled: v.GetBool("contact-enforcement-enabled"),
		ContactAutoTTL:            time.Duration(v.GetInt("contact-auto-ttl-seconds")) * time.Second,
		ContactApprovalTTL:        time.Duration(v.GetInt("contact-approval-ttl-seconds")) * time.Second,

		AckTTLEnabled:           v.GetBool("ack-ttl-enabled"),
		AckTTL:                  time.Duration(v.GetInt("ack-ttl-seconds")) * time.Second,
		AckScanInterval:         time.Duration(v.GetInt("ack-ttl-scan-interval-seconds")) * time.Second,
		AckEscalationMode:       v.GetString("ack-escalation-mode"),
		AckEscalationClaimTTL:   time.Duration(v.GetInt("ack-escalation-claim-ttl-seconds")) * time.Second,
		AckEscalationExclusive:  v.GetBool("ack-escalation-claim-exclusive"),
		AckEscalationHolderName: v.GetString("ack-escalation-claim-holder-name"),

		ReservationSweepInterval: time.Duration(v.GetInt("reservation-sweep-interval-seconds")) * time.Second,
		MetricsInterval:          time.Duration(v.GetInt("metrics-interval-seconds")) * time.Second,

		LLMRefinerEnabled: v.GetBool("llm-refiner-enabled"),
		AnthropicModel:    v.GetString("anthropic-model"),
	}
}

// Default returns a settings snapshot for tests, initializing the singleton
// on first use.
func Default() Settings {
	if v == nil {
		if err := Initialize(); err != nil {
			panic(err)
		}
	}
	return Snapshot()
}
