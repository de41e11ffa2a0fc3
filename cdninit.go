package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"imuslab.com/cdnswitch/mod/cache"
	"imuslab.com/cdnswitch/mod/cacheworker"
	"imuslab.com/cdnswitch/mod/cdn"
	"imuslab.com/cdnswitch/mod/cdnmiddleware"
	"imuslab.com/cdnswitch/mod/minifier"
	"imuslab.com/cdnswitch/mod/sitestats"
)

// Global CDN variables
var (
	SystemWideLogger = logrus.StandardLogger()

	cdnProvider        *cdn.Provider
	minifiedStore      cache.CacheStore
	minifyHandler      *minifier.Handler
	prewarmWorker      *cacheworker.Worker
	statsDatabase      *bolt.DB
	siteStatsCollector *sitestats.Collector
	filterMiddleware   *cdnmiddleware.Middleware
	cdnAdminHandler    *cdnmiddleware.AdminHandler
	cdnMetrics         *cdnmiddleware.Metrics
)

// initCDNSystem builds every component from the configuration and returns the handler
// serving origin through the CDN pipeline
func initCDNSystem(config *CDNConfiguration, origin http.Handler, reg prometheus.Registerer) (http.Handler, error) {
	SystemWideLogger.Info("Initializing CDN switcher")
	resetCDNSystem()

	settings, err := BuildSettings(config)
	if err != nil {
		return nil, err
	}

	matcher, err := BuildPatternMatcher(config, settings)
	if err != nil {
		return nil, err
	}

	siteTable, err := BuildSiteTable(config)
	if err != nil {
		return nil, err
	}

	library, err := BuildMediaLibrary(config)
	if err != nil {
		return nil, fmt.Errorf("load media manifest: %w", err)
	}
	var media cdn.MediaLibrary
	if library != nil {
		media = library
		SystemWideLogger.Infof("Media library loaded with %d items", library.Len())
	}

	var staticFiles fs.FS
	if config.StaticRoot != "" {
		staticFiles = os.DirFS(config.StaticRoot)
	}

	if config.Minify {
		minifiedStore, err = BuildMinifiedStore(config)
		if err != nil {
			return nil, fmt.Errorf("create minified store: %w", err)
		}
		SystemWideLogger.Info("Minified asset backend: ", config.Store.Backend)
	}

	// the provider and the minifier refer to each other through the css rewrite and the
	// prewarm hook, so the hook is bound after both exist
	var onMinifyCandidate func(string)
	if config.Minify && config.Worker.Enabled {
		onMinifyCandidate = func(pathAndQuery string) {
			if prewarmWorker != nil {
				prewarmWorker.Prewarm(pathAndQuery)
			}
		}
	}

	cdnProvider, err = cdn.NewProvider(cdn.ProviderConfig{
		Settings:          settings,
		Patterns:          matcher,
		Media:             media,
		Files:             staticFiles,
		Logger:            SystemWideLogger,
		OnMinifyCandidate: onMinifyCandidate,
	})
	if err != nil {
		return nil, err
	}

	if config.Minify {
		minifyHandler = minifier.NewHandler(minifier.Config{
			Settings: settings,
			Files:    staticFiles,
			Store:    minifiedStore,
			Rewriter: func(ctx context.Context, rawURL string) string {
				return cdnProvider.ReplaceMediaURL(ctx, rawURL, "")
			},
			Compress: config.Store.Compress,
			Logger:   SystemWideLogger,
		})

		if config.Worker.Enabled {
			workerConfig, err := BuildWorkerConfig(config)
			if err != nil {
				return nil, err
			}
			workerConfig.Logger = SystemWideLogger
			prewarmWorker = cacheworker.NewWorker(minifyHandler, workerConfig)
			prewarmWorker.Start()
		}
	}

	if config.StatsDatabase != "" {
		if err := os.MkdirAll(filepath.Dir(config.StatsDatabase), 0755); err != nil {
			return nil, err
		}
		statsDatabase, err = bolt.Open(config.StatsDatabase, 0600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("open stats database: %w", err)
		}
	}
	siteStatsCollector, err = sitestats.NewCollector(sitestats.CollectorOption{
		DB:     statsDatabase,
		Logger: SystemWideLogger,
	})
	if err != nil {
		return nil, err
	}

	if reg != nil {
		cdnMetrics = cdnmiddleware.NewMetrics(reg)
	}

	filterMiddleware = cdnmiddleware.NewMiddleware(cdnmiddleware.Config{
		Provider:      cdnProvider,
		OnFilterEvent: handleFilterEvent,
		Metrics:       cdnMetrics,
		Logger:        SystemWideLogger,
	}, origin)

	var minifyRoute http.Handler
	if minifyHandler != nil {
		minifyRoute = minifyHandler
	}
	interceptor := cdnmiddleware.NewInterceptor(cdnmiddleware.InterceptorConfig{
		Settings:            settings,
		Sites:               siteTable,
		Minifier:            minifyRoute,
		TrustForwardedProto: config.TrustForwardedProto,
		OnRehydrate:         siteStatsCollector.RecordRehydration,
		OnMinifyRequest:     siteStatsCollector.RecordMinifyRequest,
		Metrics:             cdnMetrics,
		Logger:              SystemWideLogger,
	}, filterMiddleware)

	adminConfig := cdnmiddleware.AdminConfig{
		Middleware:  filterMiddleware,
		Provider:    cdnProvider,
		Store:       minifiedStore,
		Worker:      prewarmWorker,
		AdminSecret: config.AdminSecret,
	}
	if minifyHandler != nil {
		adminConfig.Minified = minifyHandler
	}
	cdnAdminHandler = cdnmiddleware.NewAdminHandler(adminConfig)
	if config.AdminSecret == "" {
		SystemWideLogger.Warn("admin_secret is empty, the /_cdn endpoints including purge accept unauthenticated requests")
	}

	SystemWideLogger.WithFields(logrus.Fields{
		"enabled":   settings.Enabled,
		"sites":     siteTable.Len(),
		"minify":    settings.Minify,
		"dehydrate": settings.DehydrateQuery,
	}).Info("CDN switcher initialized")
	return interceptor, nil
}

// resetCDNSystem forgets the components of a previous initialization
func resetCDNSystem() {
	cdnProvider = nil
	minifiedStore = nil
	minifyHandler = nil
	prewarmWorker = nil
	statsDatabase = nil
	siteStatsCollector = nil
	filterMiddleware = nil
	cdnAdminHandler = nil
	cdnMetrics = nil
}

// handleFilterEvent feeds filtered documents into the site statistics
func handleFilterEvent(site string, event cdnmiddleware.FilterEvent) {
	if siteStatsCollector == nil {
		return
	}
	siteStatsCollector.RecordDocument(site, event.URLs, event.Scripts, event.Failed, event.Bytes)
}

// shutdownCDNSystem cleanly shuts down the CDN switcher
func shutdownCDNSystem() {
	SystemWideLogger.Info("Shutting down CDN switcher")

	if prewarmWorker != nil {
		prewarmWorker.Stop()
	}
	if siteStatsCollector != nil {
		if err := siteStatsCollector.Close(); err != nil {
			SystemWideLogger.WithError(err).Warn("Failed to persist site statistics")
		}
	}
	if statsDatabase != nil {
		statsDatabase.Close()
	}
	if minifiedStore != nil {
		minifiedStore.Close()
	}
	if cdnProvider != nil {
		cdnProvider.Close()
	}

	SystemWideLogger.Info("CDN switcher shut down")
}
