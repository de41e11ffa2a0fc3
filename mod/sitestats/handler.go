package sitestats

import (
	"encoding/json"
	"net/http"
)

// HandleGetAllSiteStats returns statistics for all sites
func (c *Collector) HandleGetAllSiteStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.GetAllSiteStats())
}

// HandleGetSiteStats returns statistics for the site named by the site query parameter
func (c *Collector) HandleGetSiteStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	site := r.URL.Query().Get("site")
	if site == "" {
		http.Error(w, "site parameter is required", http.StatusBadRequest)
		return
	}

	stats := c.GetSiteStats(site)
	if stats == nil {
		http.Error(w, "Site not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// HandleResetSiteStats clears the counters of one site
func (c *Collector) HandleResetSiteStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	site := r.URL.Query().Get("site")
	if site == "" {
		http.Error(w, "site parameter is required", http.StatusBadRequest)
		return
	}

	if !c.ResetSiteStats(site) {
		http.Error(w, "Site not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
