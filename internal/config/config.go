package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken string   `env:"TOKEN,required"`
		EnabledHandlers  []string `env:"HANDLERS,default=gatekeeper,enforcer"`
		DBPath           string   `env:"DB_PATH,default=subcheck.db"`
		LogLevel         int      `env:"LOG_LEVEL,default=4"`
		DotPath          string   `env:"DOT_PATH,default=~/.subcheck"`
		MetricsAddr      string   `env:"METRICS_ADDR,default=:2112"`

		Captcha      Captcha
		Subscription Subscription
		Cache        Cache
	}

	Captcha struct {
		JoinTimeout    time.Duration `env:"CAPTCHA_JOIN_TIMEOUT,default=60s"`
		MessageTimeout time.Duration `env:"CAPTCHA_MESSAGE_TIMEOUT,default=10s"`
		SafetyCeiling  time.Duration `env:"CAPTCHA_SAFETY_CEILING,default=60m"`
	}

	Subscription struct {
		MaxFails          int           `env:"SUB_MAX_FAILS,default=3"`
		MuteDuration      time.Duration `env:"SUB_MUTE_DURATION,default=30m"`
		WarningTTL        time.Duration `env:"SUB_WARNING_TTL,default=15s"`
		ConfirmationTTL   time.Duration `env:"SUB_CONFIRMATION_TTL,default=3s"`
		MuteNoticeTTL     time.Duration `env:"SUB_MUTE_NOTICE_TTL,default=10s"`
		RecheckPromptTTL  time.Duration `env:"SUB_RECHECK_PROMPT_TTL,default=15s"`
	}

	Cache struct {
		TTL             time.Duration `env:"CACHE_TTL,default=24h"`
		Capacity        int           `env:"CACHE_CAPACITY,default=65536"`
		WarmupHour      int           `env:"CACHE_WARMUP_HOUR,default=5"`
		SweepInterval   time.Duration `env:"CACHE_SWEEP_INTERVAL,default=6h"`
		ActiveUserDays  int           `env:"CACHE_ACTIVE_USER_DAYS,default=7"`
		APIRequestDelay time.Duration `env:"CACHE_API_REQUEST_DELAY,default=100ms"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg := &Config{}
		envcfg := envconfig.Config{
			Lookuper: envconfig.PrefixLookuper("SC_", envconfig.OsLookuper()),
			Target:   cfg,
		}
		if err := envconfig.ProcessWith(context.Background(), &envcfg); err != nil {
			globalErr = fmt.Errorf("process env config: %w", err)
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			globalErr = fmt.Errorf("get user home directory: %w", err)
			return
		}
		cfg.DotPath = strings.Replace(cfg.DotPath, "~", home, 1)
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}
