package cdnmiddleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"imuslab.com/cdnswitch/mod/cache"
	"imuslab.com/cdnswitch/mod/cacheworker"
	"imuslab.com/cdnswitch/mod/cdn"
	"imuslab.com/cdnswitch/mod/utils"
)

// MinifiedAssets is the minified asset store as the admin API sees it
type MinifiedAssets interface {
	Invalidate(ctx context.Context, pathAndQuery string) error
	Purge(ctx context.Context) error
}

// AdminConfig configures the admin endpoints
type AdminConfig struct {
	Middleware *Middleware
	Provider   *cdn.Provider

	// Minified and Store are optional. Store only names the backend in status output.
	Minified MinifiedAssets
	Store    cache.CacheStore

	// Worker is the optional prewarm pool
	Worker *cacheworker.Worker

	// AdminSecret protects the endpoints when set
	AdminSecret string
}

// AdminHandler provides HTTP endpoints for CDN administration
type AdminHandler struct {
	config AdminConfig
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(config AdminConfig) *AdminHandler {
	return &AdminHandler{config: config}
}

// authenticate checks if the request is authorized
func (ah *AdminHandler) authenticate(r *http.Request) bool {
	if ah.config.AdminSecret == "" {
		return true
	}

	token := r.URL.Query().Get("secret")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(ah.config.AdminSecret)) == 1
}

// guard rejects unauthorized requests and requests with the wrong method
func (ah *AdminHandler) guard(w http.ResponseWriter, r *http.Request, method string) bool {
	if !ah.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// HandleStatus reports settings, result cache usage and filter statistics
func (ah *AdminHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodGet) {
		return
	}

	response := map[string]interface{}{
		"backend": getBackendType(ah.config.Store),
	}
	if ah.config.Provider != nil {
		settings := ah.config.Provider.Settings()
		response["enabled"] = settings.Enabled
		response["config"] = map[string]interface{}{
			"filename_versioning": settings.FilenameVersioning,
			"match_protocol":      settings.MatchProtocol,
			"fast_load_js":        settings.FastLoadJS,
			"minify":              settings.Minify,
			"process_css":         settings.ProcessCSS,
			"dehydrate_query":     settings.DehydrateQuery,
			"cache_size":          settings.CacheSize,
			"cache_ttl":           settings.CacheTTL.String(),
		}
		response["caches"] = ah.config.Provider.Caches()
	}
	if ah.config.Middleware != nil {
		response["stats"] = ah.config.Middleware.GetStats()
	}
	if ah.config.Worker != nil {
		response["prewarm"] = map[string]interface{}{
			"queued":   ah.config.Worker.GetQueueSize(),
			"capacity": ah.config.Worker.GetQueueCapacity(),
			"jobs":     ah.config.Worker.Stats(),
		}
	}

	utils.SendJSONResponse(w, response)
}

// HandlePurge clears every URL, flag and pattern result cache
func (ah *AdminHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodPost) {
		return
	}
	if ah.config.Provider == nil {
		utils.SendErrorResponse(w, "CDN provider is not configured")
		return
	}

	ah.config.Provider.Purge()
	utils.SendJSONResponse(w, map[string]interface{}{
		"success": true,
		"message": "Result caches purged successfully",
	})
}

// HandlePurgeMinified deletes one minified asset ({"url": "/css/site.css?..."}) or every
// asset ({"all": true})
func (ah *AdminHandler) HandlePurgeMinified(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodPost) {
		return
	}
	if ah.config.Minified == nil {
		utils.SendErrorResponse(w, "Minifier is not configured")
		return
	}

	var req struct {
		URL string `json:"url"`
		All bool   `json:"all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}

	var err error
	switch {
	case req.All:
		err = ah.config.Minified.Purge(r.Context())
	case req.URL != "":
		if !strings.HasPrefix(req.URL, "/") {
			utils.SendErrorResponse(w, "URL must be a root relative path")
			return
		}
		err = ah.config.Minified.Invalidate(r.Context(), req.URL)
	default:
		utils.SendErrorResponse(w, "Either url or all is required")
		return
	}
	if err != nil {
		utils.SendErrorResponse(w, "Failed to purge minified assets: "+err.Error())
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"success": true,
		"message": "Minified assets purged successfully",
		"url":     req.URL,
	})
}

// getBackendType returns a string representation of the minified asset backend
func getBackendType(store cache.CacheStore) string {
	switch store.(type) {
	case nil:
		return "none"
	case *cache.FSStore:
		return "filesystem"
	case *cache.RedisStore:
		return "redis"
	default:
		return "unknown"
	}
}

// Protect wraps handler with the admin authentication
func (ah *AdminHandler) Protect(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ah.authenticate(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler(w, r)
	}
}
