package cdn

import "time"

// Settings is the runtime configuration of the URL codec and the document filter. It is
// built once at start and shared read-only by every request.
type Settings struct {
	// Enabled turns the whole feature on
	Enabled bool

	// FilenameVersioning appends vs/d (media) or d/min (static files) parameters
	FilenameVersioning bool

	// MatchProtocol forces rewritten URLs onto the scheme of the current request
	MatchProtocol bool

	// FastLoadJS moves every script element to the script target node
	FastLoadJS bool

	// Minify marks static .css/.js references with min=1 and routes them to the minifier
	Minify bool

	// ProcessCSS rewrites url(...) references inside minified stylesheets
	ProcessCSS bool

	// DehydrateQuery folds the query string of rewritten URLs into the file name
	DehydrateQuery bool

	// AnalyticsEnabled makes tracked media keep its origin URL
	AnalyticsEnabled bool

	// DebugParser logs unbalanced tags of every filtered document at debug level
	DebugParser bool

	// StopToken is the query parameter that opts a single URL out of rewriting
	StopToken string

	// OverrideParam is the tristate query parameter forcing filtering on or off
	OverrideParam string

	// MediaPrefix identifies managed media URLs
	MediaPrefix string

	// MinifyPrefix is the path the minify handler is mounted on
	MinifyPrefix string

	// ScriptTargetID is the id of the element scripts are moved into in fast-load mode
	ScriptTargetID string

	// CacheSize is the byte budget of each result cache
	CacheSize int64

	// CacheTTL is how long a computed URL or flag is remembered
	CacheTTL time.Duration
}

// DefaultSettings returns the settings used when nothing is configured
func DefaultSettings() *Settings {
	return &Settings{
		Enabled:        false,
		StopToken:      "ncdn",
		OverrideParam:  "cdn",
		MediaPrefix:    "/~/media/",
		MinifyPrefix:   "/~/minify",
		ScriptTargetID: "cdn_scripts",
		CacheSize:      5 * 1024 * 1024,
		CacheTTL:       5 * time.Minute,
	}
}
