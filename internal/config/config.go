package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botwarden/internal/logger"
)

const EnvPrefix = "BOTWARDEN"

// Settings is the top-level TOML structure.
type Settings struct {
	Interval             time.Duration    `toml:"interval" mapstructure:"interval"`
	HeartbeatSchedule    string           `toml:"heartbeat_schedule" mapstructure:"heartbeat_schedule"`
	HeartbeatCode        string           `toml:"heartbeat_code" mapstructure:"heartbeat_code"`
	Cooldown             time.Duration    `toml:"cooldown" mapstructure:"cooldown"`
	SettleWindow         time.Duration    `toml:"settle_window" mapstructure:"settle_window"`
	MemoryCeilingPercent float64          `toml:"memory_ceiling_percent" mapstructure:"memory_ceiling_percent"`
	ProbeTimeout         time.Duration    `toml:"probe_timeout" mapstructure:"probe_timeout"`
	LaunchSettle         time.Duration    `toml:"launch_settle" mapstructure:"launch_settle"`
	Interpreter          string           `toml:"interpreter" mapstructure:"interpreter"`
	Files                FilesConfig      `toml:"files" mapstructure:"files"`
	Store                StoreConfig      `toml:"store" mapstructure:"store"`
	History              HistoryConfig    `toml:"history" mapstructure:"history"`
	Escalation           EscalationConfig `toml:"escalation" mapstructure:"escalation"`
	Log                  logger.Config    `toml:"log" mapstructure:"log"`
	Server               ServerConfig     `toml:"server" mapstructure:"server"`
}

// FilesConfig locates the fleet files. Relative names resolve against Dir.
type FilesConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Bots       string `toml:"bots" mapstructure:"bots"`
	BotsBackup string `toml:"bots_backup" mapstructure:"bots_backup"`
	Instructor string `toml:"instructor" mapstructure:"instructor"`
	Exempt     string `toml:"exempt" mapstructure:"exempt"`
}

func (f FilesConfig) Path(name string) string {
	if name == "" || filepath.IsAbs(name) || f.Dir == "" {
		return name
	}
	return filepath.Join(f.Dir, name)
}

type StoreConfig struct {
	DSN             string        `toml:"dsn" mapstructure:"dsn"`
	BreakerFailures uint32        `toml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `toml:"breaker_timeout" mapstructure:"breaker_timeout"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type EscalationConfig struct {
	Service     string        `toml:"service" mapstructure:"service"`
	ProcessName string        `toml:"process_name" mapstructure:"process_name"`
	// DSN is the postgres connection the recovery pings to confirm the
	// database answers. Empty falls back to store.dsn when that is postgres.
	DSN         string        `toml:"dsn" mapstructure:"dsn"`
	LockFile    string        `toml:"lock_file" mapstructure:"lock_file"`
	LockTimeout time.Duration `toml:"lock_timeout" mapstructure:"lock_timeout"`
	Stage1Wait  time.Duration `toml:"stage1_wait" mapstructure:"stage1_wait"`
	Stage2Wait  time.Duration `toml:"stage2_wait" mapstructure:"stage2_wait"`
	Stage3Wait  time.Duration `toml:"stage3_wait" mapstructure:"stage3_wait"`
	KillGrace   time.Duration `toml:"kill_grace" mapstructure:"kill_grace"`
	UseSudo     bool          `toml:"use_sudo" mapstructure:"use_sudo"`
}

type ServerConfig struct {
	Addr string `toml:"addr" mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", 30*time.Second)
	v.SetDefault("heartbeat_schedule", "@every 2m")
	v.SetDefault("heartbeat_code", "/root/trading_runner_final.py")
	v.SetDefault("cooldown", 30*time.Second)
	v.SetDefault("settle_window", 2*time.Minute)
	v.SetDefault("memory_ceiling_percent", 90.0)
	v.SetDefault("probe_timeout", 5*time.Second)
	v.SetDefault("launch_settle", 500*time.Millisecond)
	v.SetDefault("interpreter", "python3.11")

	v.SetDefault("files.dir", "/root/TmuxCleaner")
	v.SetDefault("files.bots", "bots.txt")
	v.SetDefault("files.bots_backup", "botsBackup.txt")
	v.SetDefault("files.instructor", "instructor.txt")
	v.SetDefault("files.exempt", "nocleaner.txt")

	v.SetDefault("store.dsn", "sqlite:///root/TmuxCleaner/timestamps.db")
	v.SetDefault("store.breaker_failures", 3)
	v.SetDefault("store.breaker_timeout", 60*time.Second)
	v.SetDefault("history.dsns", []string{"file:///root/TmuxCleaner/bot_restarts.log"})

	v.SetDefault("escalation.service", "postgresql")
	v.SetDefault("escalation.process_name", "postgres")
	v.SetDefault("escalation.dsn", "")
	v.SetDefault("escalation.lock_file", "/tmp/db_restart_in_progress")
	v.SetDefault("escalation.lock_timeout", 5*time.Minute)
	v.SetDefault("escalation.stage1_wait", 60*time.Second)
	v.SetDefault("escalation.stage2_wait", 60*time.Second)
	v.SetDefault("escalation.stage3_wait", 90*time.Second)
	v.SetDefault("escalation.kill_grace", 5*time.Second)
	v.SetDefault("escalation.use_sudo", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "/root/TmuxCleaner/monitoring.log")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.console", true)

	v.SetDefault("server.addr", "")
}

// Load reads settings from a TOML file (optional) with BOTWARDEN_* environment
// overrides, e.g. BOTWARDEN_STORE_DSN.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	var errs []error
	if s.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if s.Cooldown < 0 || s.SettleWindow < 0 {
		errs = append(errs, errors.New("cooldown and settle_window must not be negative"))
	}
	if s.MemoryCeilingPercent <= 0 || s.MemoryCeilingPercent > 100 {
		errs = append(errs, fmt.Errorf("memory_ceiling_percent %v out of range (0,100]", s.MemoryCeilingPercent))
	}
	if strings.TrimSpace(s.Interpreter) == "" {
		errs = append(errs, errors.New("interpreter is required"))
	}
	if s.HeartbeatCode == "" {
		errs = append(errs, errors.New("heartbeat_code is required"))
	}
	if s.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if s.Files.Bots == "" {
		errs = append(errs, errors.New("files.bots is required"))
	}
	return errors.Join(errs...)
}
