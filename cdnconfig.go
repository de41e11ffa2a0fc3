package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"imuslab.com/cdnswitch/mod/cache"
	"imuslab.com/cdnswitch/mod/cacheworker"
	"imuslab.com/cdnswitch/mod/cdn"
	"imuslab.com/cdnswitch/mod/medialib"
	"imuslab.com/cdnswitch/mod/pattern"
	"imuslab.com/cdnswitch/mod/sites"
)

const (
	CONF_FOLDER         = "./conf"
	CONF_CDN_CONFIG     = CONF_FOLDER + "/cdn_conf.json"
	CONF_MINIFIED_STORE = CONF_FOLDER + "/minified"
	CONF_STATS_DATABASE = CONF_FOLDER + "/sitestats.db"
)

// CDNConfiguration is the file form of the CDN switcher configuration
type CDNConfiguration struct {
	Enabled            bool `json:"enabled"`
	FilenameVersioning bool `json:"filename_versioning"`
	MatchProtocol      bool `json:"match_protocol"`
	FastLoadJS         bool `json:"fast_load_js"`
	Minify             bool `json:"minify"`
	ProcessCSS         bool `json:"process_css"`
	DehydrateQuery     bool `json:"dehydrate_query"`
	AnalyticsEnabled   bool `json:"analytics_enabled"`
	DebugParser        bool `json:"debug_parser"`

	StopToken      string `json:"stop_token"`
	OverrideParam  string `json:"override_param"`
	MediaPrefix    string `json:"media_prefix"`
	ScriptTargetID string `json:"script_target_id"`

	// StaticRoot is the directory static files are versioned and minified from
	StaticRoot string `json:"static_root"`

	// Result cache budget and lifetime, e.g. "5MB" and "5m"
	CacheSize string `json:"cache_size"`
	CacheTTL  string `json:"cache_ttl"`

	// Regular expressions, compiled case-insensitively
	ExcludeURLs     []string `json:"exclude_urls"`
	ProcessRequests []string `json:"process_requests"`
	ExcludeRequests []string `json:"exclude_requests"`

	Sites []*sites.Site `json:"sites"`

	// MediaManifest is the JSON manifest of the media library. Media URLs are never
	// versioned when empty.
	MediaManifest string `json:"media_manifest"`

	// Minified asset store
	Store struct {
		Backend string `json:"backend"` // "fs", "redis"

		FS struct {
			Root       string `json:"root"`
			ShardDepth int    `json:"shard_depth"`
		} `json:"fs"`

		Redis struct {
			Addr     string `json:"addr"`
			Password string `json:"password"`
			DB       int    `json:"db"`
		} `json:"redis"`

		MaxAssetSize string `json:"max_asset_size"`
		Compress     bool   `json:"compress"`
	} `json:"store"`

	// Minify prewarm worker
	Worker struct {
		Enabled       bool   `json:"enabled"`
		QueueSize     int    `json:"queue_size"`
		WorkerCount   int    `json:"worker_count"`
		RetryAttempts int    `json:"retry_attempts"`
		RetryDelay    string `json:"retry_delay"`
	} `json:"worker"`

	StatsDatabase string `json:"stats_database"`

	// Server settings. Command line flags override them.
	Listen              string `json:"listen"`
	Origin              string `json:"origin"`
	ProxyProtocol       bool   `json:"proxy_protocol"`
	TrustForwardedProto bool   `json:"trust_forwarded_proto"`

	// AdminSecret protects the /_cdn endpoints
	AdminSecret string `json:"admin_secret"`
}

// DefaultCDNConfiguration returns the default configuration
func DefaultCDNConfiguration() *CDNConfiguration {
	defaults := cdn.DefaultSettings()
	config := &CDNConfiguration{
		Enabled:            false,
		FilenameVersioning: true,
		StopToken:          defaults.StopToken,
		OverrideParam:      defaults.OverrideParam,
		MediaPrefix:        defaults.MediaPrefix,
		ScriptTargetID:     defaults.ScriptTargetID,
		StaticRoot:         "./www",
		CacheSize:          "5MB",
		CacheTTL:           "5m",
		ExcludeURLs: []string{
			`VisitorIdentification`,
		},
		ProcessRequests: []string{},
		ExcludeRequests: []string{
			`^/sitecore/`,
			`^/_cdn/`,
		},
		Sites:         []*sites.Site{},
		StatsDatabase: CONF_STATS_DATABASE,
		Listen:        ":8080",
		Origin:        "http://127.0.0.1:8081",
	}

	config.Store.Backend = "fs"
	config.Store.FS.Root = CONF_MINIFIED_STORE
	config.Store.FS.ShardDepth = 2
	config.Store.MaxAssetSize = "10MB"
	config.Store.Compress = true

	worker := cacheworker.DefaultConfig()
	config.Worker.Enabled = true
	config.Worker.QueueSize = worker.QueueSize
	config.Worker.WorkerCount = worker.WorkerCount
	config.Worker.RetryAttempts = worker.RetryAttempts
	config.Worker.RetryDelay = worker.RetryDelay.String()

	return config
}

// LoadCDNConfiguration loads the configuration file, creating it with defaults when it
// does not exist
func LoadCDNConfiguration(filename string) (*CDNConfiguration, error) {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		config := DefaultCDNConfiguration()
		if err := SaveCDNConfiguration(filename, config); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	config := DefaultCDNConfiguration()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	return config, nil
}

// SaveCDNConfiguration saves the configuration file
func SaveCDNConfiguration(filename string, config *CDNConfiguration) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// BuildSettings turns the file configuration into the immutable runtime settings
func BuildSettings(config *CDNConfiguration) (*cdn.Settings, error) {
	settings := cdn.DefaultSettings()
	settings.Enabled = config.Enabled
	settings.FilenameVersioning = config.FilenameVersioning
	settings.MatchProtocol = config.MatchProtocol
	settings.FastLoadJS = config.FastLoadJS
	settings.Minify = config.Minify
	settings.ProcessCSS = config.ProcessCSS
	settings.DehydrateQuery = config.DehydrateQuery
	settings.AnalyticsEnabled = config.AnalyticsEnabled
	settings.DebugParser = config.DebugParser

	if config.StopToken != "" {
		settings.StopToken = config.StopToken
	}
	if config.OverrideParam != "" {
		settings.OverrideParam = config.OverrideParam
	}
	if config.MediaPrefix != "" {
		settings.MediaPrefix = config.MediaPrefix
	}
	if config.ScriptTargetID != "" {
		settings.ScriptTargetID = config.ScriptTargetID
	}

	if config.CacheSize != "" {
		size, err := humanize.ParseBytes(config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("invalid cache_size %q: %w", config.CacheSize, err)
		}
		settings.CacheSize = int64(size)
	}
	if config.CacheTTL != "" {
		ttl, err := time.ParseDuration(config.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid cache_ttl %q: %w", config.CacheTTL, err)
		}
		settings.CacheTTL = ttl
	}

	return settings, nil
}

// BuildPatternMatcher compiles the exclude/process pattern lists
func BuildPatternMatcher(config *CDNConfiguration, settings *cdn.Settings) (*pattern.Matcher, error) {
	return pattern.NewMatcher(pattern.Config{
		ExcludeURLs:     config.ExcludeURLs,
		ProcessRequests: config.ProcessRequests,
		ExcludeRequests: config.ExcludeRequests,
		CacheSize:       settings.CacheSize,
		CacheTTL:        settings.CacheTTL,
	})
}

// BuildSiteTable indexes the configured sites
func BuildSiteTable(config *CDNConfiguration) (*sites.Table, error) {
	return sites.NewTable(config.Sites)
}

// BuildMediaLibrary loads the media manifest. It returns nil when none is configured.
func BuildMediaLibrary(config *CDNConfiguration) (*medialib.Library, error) {
	if config.MediaManifest == "" {
		return nil, nil
	}
	return medialib.Load(config.MediaManifest)
}

// BuildMinifiedStore creates the minified asset store from configuration
func BuildMinifiedStore(config *CDNConfiguration) (cache.CacheStore, error) {
	switch config.Store.Backend {
	case "redis":
		var maxSize int64
		if config.Store.MaxAssetSize != "" {
			size, err := humanize.ParseBytes(config.Store.MaxAssetSize)
			if err != nil {
				return nil, fmt.Errorf("invalid max_asset_size %q: %w", config.Store.MaxAssetSize, err)
			}
			maxSize = int64(size)
		}
		return cache.NewRedisStore(cache.RedisStoreConfig{
			Addr:     config.Store.Redis.Addr,
			Password: config.Store.Redis.Password,
			DB:       config.Store.Redis.DB,
			Prefix:   "cdnswitch:minify:",
			MaxSize:  maxSize,
		})

	default:
		return cache.NewFSStore(config.Store.FS.Root, config.Store.FS.ShardDepth)
	}
}

// BuildWorkerConfig creates the prewarm worker configuration
func BuildWorkerConfig(config *CDNConfiguration) (cacheworker.Config, error) {
	workerConfig := cacheworker.DefaultConfig()
	workerConfig.QueueSize = config.Worker.QueueSize
	workerConfig.WorkerCount = config.Worker.WorkerCount
	workerConfig.RetryAttempts = config.Worker.RetryAttempts
	if config.Worker.RetryDelay != "" {
		delay, err := time.ParseDuration(config.Worker.RetryDelay)
		if err != nil {
			return workerConfig, fmt.Errorf("invalid retry_delay %q: %w", config.Worker.RetryDelay, err)
		}
		workerConfig.RetryDelay = delay
	}
	return workerConfig, nil
}
