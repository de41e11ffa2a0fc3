package main

import (
	"net/http"
)

/*
	cdn_api.go

	This file registers the CDN administration endpoints
*/

// registerCDNAPIs registers the /_cdn management endpoints
func registerCDNAPIs(mux *http.ServeMux) {
	if cdnAdminHandler == nil {
		return
	}

	SystemWideLogger.Info("Registering CDN management API endpoints")
	mux.HandleFunc("/_cdn/status", cdnAdminHandler.HandleStatus)
	mux.HandleFunc("/_cdn/purge", cdnAdminHandler.HandlePurge)
	mux.HandleFunc("/_cdn/purge-minified", cdnAdminHandler.HandlePurgeMinified)

	if siteStatsCollector != nil {
		mux.HandleFunc("/_cdn/stats", cdnAdminHandler.Protect(siteStatsCollector.HandleGetAllSiteStats))
		mux.HandleFunc("/_cdn/stats/site", cdnAdminHandler.Protect(siteStatsCollector.HandleGetSiteStats))
		mux.HandleFunc("/_cdn/stats/reset", cdnAdminHandler.Protect(siteStatsCollector.HandleResetSiteStats))
	}
}
