package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"imuslab.com/cdnswitch/mod/cdnmiddleware"
)

var (
	configFile = flag.String("conf", CONF_CDN_CONFIG, "Path to the CDN switcher configuration file")
	listenAddr = flag.String("listen", "", "Listen address, overrides the configuration file")
	originURL  = flag.String("origin", "", "Origin server URL, overrides the configuration file")
	verbose    = flag.Bool("v", false, "Log debug output, including document rewrite timings")
)

func main() {
	flag.Parse()
	if *verbose {
		SystemWideLogger.SetLevel(logrus.DebugLevel)
	}

	config, err := LoadCDNConfiguration(*configFile)
	if err != nil {
		SystemWideLogger.WithError(err).Fatal("Failed to load configuration")
	}
	if *listenAddr != "" {
		config.Listen = *listenAddr
	}
	if *originURL != "" {
		config.Origin = *originURL
	}

	origin, err := url.Parse(config.Origin)
	if err != nil || origin.Host == "" {
		SystemWideLogger.WithField("origin", config.Origin).Fatal("Invalid origin URL")
	}
	proxy := httputil.NewSingleHostReverseProxy(origin)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		cdnmiddleware.ForwardRequestState(req)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		SystemWideLogger.WithError(err).WithField("url", r.URL.String()).Warn("Origin request failed")
		w.WriteHeader(http.StatusBadGateway)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pipeline, err := initCDNSystem(config, proxy, registry)
	if err != nil {
		SystemWideLogger.WithError(err).Fatal("Failed to initialize CDN switcher")
	}
	defer shutdownCDNSystem()

	mux := http.NewServeMux()
	registerCDNAPIs(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", pipeline)

	listener, err := net.Listen("tcp", config.Listen)
	if err != nil {
		SystemWideLogger.WithError(err).Fatal("Failed to listen")
	}
	if config.ProxyProtocol {
		listener = &proxyproto.Listener{
			Listener:          listener,
			ReadHeaderTimeout: time.Second,
		}
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		SystemWideLogger.WithFields(logrus.Fields{
			"listen":         config.Listen,
			"origin":         config.Origin,
			"proxy_protocol": config.ProxyProtocol,
		}).Info("CDN switcher listening")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			SystemWideLogger.WithError(err).Error("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	SystemWideLogger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		SystemWideLogger.WithError(err).Error("Error shutting down server")
	}
}
