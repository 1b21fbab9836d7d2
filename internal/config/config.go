// Package config loads tgward configuration: defaults, then an optional
// tgward.toml, then TGW_* environment variables (env wins).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Telegram TelegramConfig `toml:"telegram"`
	Session  SessionConfig  `toml:"session"`
	Rate     RateConfig     `toml:"rate"`
	Guard    GuardConfig    `toml:"guard"`
	Actions  ActionsConfig  `toml:"actions"`
	Batch    BatchConfig    `toml:"batch"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Name    string `toml:"name"`
	LogFile string `toml:"log_file"`
}

type TelegramConfig struct {
	APIID   int    `toml:"api_id"`
	APIHash string `toml:"api_hash"`

	// SecretProvider selects where api_id/api_hash come from:
	// "env" (the values above), "keychain" (macOS security CLI) or
	// "command" (arbitrary executables printing the secret).
	SecretProvider        string `toml:"secret_provider"`
	KeychainService       string `toml:"keychain_service"`
	KeychainAccountID     string `toml:"keychain_account_api_id"`
	KeychainAccountHash   string `toml:"keychain_account_api_hash"`
	SecretCommandID       string `toml:"secret_cmd_api_id"`
	SecretCommandHash     string `toml:"secret_cmd_api_hash"`

	// ExpectedUsername fails the session bind fast when the connected
	// account does not match. Stored normalized: no @, lowercase.
	ExpectedUsername string `toml:"expected_username"`
}

type SessionConfig struct {
	Dir         string `toml:"dir"`
	Name        string `toml:"name"`
	Path        string `toml:"path"` // explicit path wins over Dir+Name
	LockMode    string `toml:"lock_mode"` // "shared", "exclusive" or "off"
	AllowSwitch bool   `toml:"allow_switch"`
}

type RateConfig struct {
	RPS                float64 `toml:"rps"`
	MaxDMPerDay        int     `toml:"max_dm_per_day"`
	MaxJoinsPerDay     int     `toml:"max_joins_per_day"`
	MaxGroupMsgsPerDay int     `toml:"max_group_msgs_per_day"`
	GlobalMode         string  `toml:"global_rps_mode"` // "shared", "local", "off"
	FloodThresholdSec  int     `toml:"flood_circuit_threshold_sec"`
	FloodCooldownSec   int     `toml:"flood_circuit_cooldown_sec"`
	DataDir            string  `toml:"data_dir"`
}

type GuardConfig struct {
	BlockDirectWrite     bool   `toml:"block_direct_write"`
	AllowDirectWrite     bool   `toml:"allow_direct_write"`
	EnforceActionProcess bool   `toml:"enforce_action_process"`
	AllowedContexts      string `toml:"allowed_contexts"` // comma-separated
	WriteContext         string `toml:"write_context"`
	ActionProcess        bool   `toml:"action_process"`
	AuthBootstrap        bool   `toml:"auth_bootstrap"`
}

type ActionsConfig struct {
	Enabled                 bool   `toml:"enabled"`
	RequireAllowlist        bool   `toml:"require_allowlist"`
	AllowedGroups           string `toml:"allowed_groups"` // comma-separated
	MaxMessageLen           int    `toml:"max_message_len"`
	MaxFileMB               int    `toml:"max_file_mb"`
	RequireConfirmationText bool   `toml:"require_confirmation_text"`
	ConfirmationPhrase      string `toml:"confirmation_phrase"`
	MinConfirmationTextLen  int    `toml:"min_confirmation_text_len"`
	RequireApprovalCode     bool   `toml:"require_approval_code"`
	ApprovalTTLSec          int    `toml:"approval_ttl_sec"`
	ApprovalFile            string `toml:"approval_file"`
	IdempotencyEnabled      bool   `toml:"idempotency_enabled"`
	IdempotencyWindowSec    int    `toml:"idempotency_window_sec"`
	IdempotencyFile         string `toml:"idempotency_file"`
	UnsafeOverride          bool   `toml:"unsafe_override"`
}

type BatchConfig struct {
	DefaultTTLHours  int    `toml:"default_ttl_hours"`
	ApprovalLeaseSec int    `toml:"approval_lease_sec"`
	RunLeaseSec      int    `toml:"run_lease_sec"`
	File             string `toml:"file"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with the safe defaults applied. Action execution
// is off; every authorization gate is on.
func Default() Config {
	dataDir := filepath.Join("data", "anti_spam")
	return Config{
		Server: ServerConfig{
			Name:    "tgward",
			LogFile: filepath.Join("data", "logs", "tgward.log"),
		},
		Telegram: TelegramConfig{
			SecretProvider: "env",
		},
		Session: SessionConfig{
			Dir:         filepath.Join("data", "sessions"),
			Name:        "default",
			LockMode:    "exclusive",
			AllowSwitch: false,
		},
		Rate: RateConfig{
			RPS:                4.0,
			MaxDMPerDay:        20,
			MaxJoinsPerDay:     20,
			MaxGroupMsgsPerDay: 30,
			GlobalMode:         "shared",
			FloodThresholdSec:  300,
			FloodCooldownSec:   900,
			DataDir:            dataDir,
		},
		Guard: GuardConfig{
			BlockDirectWrite:     true,
			AllowDirectWrite:     false,
			EnforceActionProcess: true,
			AllowedContexts:      "actions_mcp",
			WriteContext:         "read_mcp",
			ActionProcess:        false,
			AuthBootstrap:        false,
		},
		Actions: ActionsConfig{
			Enabled:                 false,
			RequireAllowlist:        true,
			MaxMessageLen:           2000,
			MaxFileMB:               20,
			RequireConfirmationText: true,
			ConfirmationPhrase:      "отправляй",
			MinConfirmationTextLen:  6,
			RequireApprovalCode:     true,
			ApprovalTTLSec:          1800,
			ApprovalFile:            filepath.Join(dataDir, "action_approvals.json"),
			IdempotencyEnabled:      true,
			IdempotencyWindowSec:    24 * 3600,
			IdempotencyFile:         filepath.Join(dataDir, "action_idempotency.json"),
		},
		Batch: BatchConfig{
			DefaultTTLHours:  168,
			ApprovalLeaseSec: 24 * 3600,
			RunLeaseSec:      1800,
			File:             filepath.Join(dataDir, "action_batches.json"),
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "tgward.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	envStr(&cfg.Server.Name, "TGW_SERVER_NAME")
	envStr(&cfg.Server.LogFile, "TGW_LOG_FILE")

	envInt(&cfg.Telegram.APIID, "TGW_API_ID")
	envStr(&cfg.Telegram.APIHash, "TGW_API_HASH")
	envStr(&cfg.Telegram.SecretProvider, "TGW_SECRET_PROVIDER")
	envStr(&cfg.Telegram.KeychainService, "TGW_KEYCHAIN_SERVICE")
	envStr(&cfg.Telegram.KeychainAccountID, "TGW_KEYCHAIN_ACCOUNT_API_ID")
	envStr(&cfg.Telegram.KeychainAccountHash, "TGW_KEYCHAIN_ACCOUNT_API_HASH")
	envStr(&cfg.Telegram.SecretCommandID, "TGW_SECRET_CMD_API_ID")
	envStr(&cfg.Telegram.SecretCommandHash, "TGW_SECRET_CMD_API_HASH")
	envStr(&cfg.Telegram.ExpectedUsername, "TGW_EXPECTED_USERNAME")

	envStr(&cfg.Session.Dir, "TGW_SESSION_DIR")
	envStr(&cfg.Session.Name, "TGW_SESSION_NAME")
	envStr(&cfg.Session.Path, "TGW_SESSION_PATH")
	envStr(&cfg.Session.LockMode, "TGW_SESSION_LOCK_MODE")
	envBool(&cfg.Session.AllowSwitch, "TGW_ALLOW_SESSION_SWITCH")

	envFloat(&cfg.Rate.RPS, "TGW_RATE_RPS")
	envInt(&cfg.Rate.MaxDMPerDay, "TGW_MAX_DM_PER_DAY")
	envInt(&cfg.Rate.MaxJoinsPerDay, "TGW_MAX_JOINS_PER_DAY")
	envInt(&cfg.Rate.MaxGroupMsgsPerDay, "TGW_MAX_GROUP_MSGS_PER_DAY")
	envStr(&cfg.Rate.GlobalMode, "TGW_GLOBAL_RPS_MODE")
	envInt(&cfg.Rate.FloodThresholdSec, "TGW_FLOOD_CIRCUIT_THRESHOLD_SEC")
	envInt(&cfg.Rate.FloodCooldownSec, "TGW_FLOOD_CIRCUIT_COOLDOWN_SEC")
	envStr(&cfg.Rate.DataDir, "TGW_DATA_DIR")

	envBool(&cfg.Guard.BlockDirectWrite, "TGW_BLOCK_DIRECT_WRITE")
	envBool(&cfg.Guard.AllowDirectWrite, "TGW_ALLOW_DIRECT_WRITE")
	envBool(&cfg.Guard.EnforceActionProcess, "TGW_ENFORCE_ACTION_PROCESS")
	envStr(&cfg.Guard.AllowedContexts, "TGW_WRITE_ALLOWED_CONTEXTS")
	envStr(&cfg.Guard.WriteContext, "TGW_WRITE_CONTEXT")
	envBool(&cfg.Guard.ActionProcess, "TGW_ACTION_PROCESS")
	envBool(&cfg.Guard.AuthBootstrap, "TGW_AUTH_BOOTSTRAP")

	envBool(&cfg.Actions.Enabled, "TGW_ACTIONS_ENABLED")
	envBool(&cfg.Actions.RequireAllowlist, "TGW_ACTIONS_REQUIRE_ALLOWLIST")
	envStr(&cfg.Actions.AllowedGroups, "TGW_ACTIONS_ALLOWED_GROUPS")
	envInt(&cfg.Actions.MaxMessageLen, "TGW_ACTIONS_MAX_MESSAGE_LEN")
	envInt(&cfg.Actions.MaxFileMB, "TGW_ACTIONS_MAX_FILE_MB")
	envBool(&cfg.Actions.RequireConfirmationText, "TGW_ACTIONS_REQUIRE_CONFIRMATION_TEXT")
	envStr(&cfg.Actions.ConfirmationPhrase, "TGW_ACTIONS_CONFIRMATION_PHRASE")
	envInt(&cfg.Actions.MinConfirmationTextLen, "TGW_ACTIONS_MIN_CONFIRM_TEXT_LEN")
	envBool(&cfg.Actions.RequireApprovalCode, "TGW_ACTIONS_REQUIRE_APPROVAL_CODE")
	envInt(&cfg.Actions.ApprovalTTLSec, "TGW_ACTIONS_APPROVAL_TTL_SEC")
	envStr(&cfg.Actions.ApprovalFile, "TGW_ACTIONS_APPROVAL_FILE")
	envBool(&cfg.Actions.IdempotencyEnabled, "TGW_ACTIONS_IDEMPOTENCY_ENABLED")
	envInt(&cfg.Actions.IdempotencyWindowSec, "TGW_ACTIONS_IDEMPOTENCY_WINDOW_SEC")
	envStr(&cfg.Actions.IdempotencyFile, "TGW_ACTIONS_IDEMPOTENCY_FILE")
	envBool(&cfg.Actions.UnsafeOverride, "TGW_ACTIONS_UNSAFE_OVERRIDE")

	envInt(&cfg.Batch.DefaultTTLHours, "TGW_ACTIONS_BATCH_TTL_HOURS")
	envInt(&cfg.Batch.ApprovalLeaseSec, "TGW_ACTIONS_BATCH_APPROVAL_LEASE_SEC")
	envInt(&cfg.Batch.RunLeaseSec, "TGW_ACTIONS_BATCH_RUN_LEASE_SEC")
	envStr(&cfg.Batch.File, "TGW_ACTIONS_BATCH_FILE")

	envBool(&cfg.Observer.Enabled, "TGW_OBSERVER_ENABLED")

	cfg.Telegram.ExpectedUsername = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.Telegram.ExpectedUsername), "@"))
	cfg.Actions.ConfirmationPhrase = strings.ToLower(strings.TrimSpace(cfg.Actions.ConfirmationPhrase))

	return cfg
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}
