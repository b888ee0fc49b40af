package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/courier"
	"github.com/always-cache/courier/cache"
	responsetransformer "github.com/always-cache/courier/pkg/response-transformer"
	"github.com/always-cache/courier/tunnel"
)

type Config struct {
	UserAgent string `yaml:"userAgent"`
	Proxy     string `yaml:"proxy"`

	MaxConns        int           `yaml:"maxConns"`
	MaxConnsPerHost int           `yaml:"maxConnsPerHost"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	IOTimeout       time.Duration `yaml:"ioTimeout"`
	MaxRedirects    int           `yaml:"maxRedirects"`

	CacheDir   string `yaml:"cacheDir"`
	CacheType  string `yaml:"cacheType"`
	MaxEntries int    `yaml:"maxEntries"`
	MaxSize    int64  `yaml:"maxSize"`

	Rules responsetransformer.Rules `yaml:"rules"`
}

// loadConfig reads the YAML config file, if any, and applies overrides from
// the environment and a .env file.
func loadConfig(filename string) (Config, error) {
	var config Config
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Could not load .env file")
	}
	envString("COURIER_PROXY", &config.Proxy)
	envString("COURIER_USER_AGENT", &config.UserAgent)
	envString("COURIER_CACHE_DIR", &config.CacheDir)
	envString("COURIER_CACHE_TYPE", &config.CacheType)
	err := errors.Join(
		envInt("COURIER_MAX_CONNS", &config.MaxConns),
		envInt("COURIER_MAX_CONNS_PER_HOST", &config.MaxConnsPerHost),
		envDuration("COURIER_IO_TIMEOUT", &config.IOTimeout),
	)
	return config, err
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) error {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = i
	}
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

func (c Config) cacheType() (cache.Type, error) {
	switch c.CacheType {
	case "", "single":
		return cache.Single, nil
	case "shared":
		return cache.Shared, nil
	}
	return 0, fmt.Errorf("unknown cache type %q", c.CacheType)
}

// openCache opens the configured cache, or returns nil when no cache
// directory is set.
func (c Config) openCache() (*cache.Cache, error) {
	if c.CacheDir == "" {
		return nil, nil
	}
	typ, err := c.cacheType()
	if err != nil {
		return nil, err
	}
	return cache.New(c.CacheDir, cache.Options{
		Type:       typ,
		MaxEntries: c.MaxEntries,
		MaxSize:    c.MaxSize,
		Rules:      c.Rules,
	})
}

func (c Config) sessionConfig() (courier.Config, error) {
	cfg := courier.Config{
		MaxConns:        c.MaxConns,
		MaxConnsPerHost: c.MaxConnsPerHost,
		IdleTimeout:     c.IdleTimeout,
		ConnectTimeout:  c.ConnectTimeout,
		IOTimeout:       c.IOTimeout,
		MaxRedirects:    c.MaxRedirects,
		UserAgent:       c.UserAgent,
	}
	if c.Proxy != "" {
		proxy, err := tunnel.ParseProxy(c.Proxy)
		if err != nil {
			return cfg, err
		}
		cfg.Proxy = proxy
	}
	return cfg, nil
}
