// Package classify categorizes intercepted requests. The class picks the
// caching strategy; the sync type picks the replay order for queued writes.
package classify

import (
	"net/url"
	"strings"

	"github.com/fitsync/fitsync/internal/model"
)

// APIPrefixes is the fixed list of recognized API path prefixes. It drives
// both classification and the typed offline fallbacks.
var APIPrefixes = []string{
	"/api/exercises",
	"/api/foods",
	"/api/water",
	"/api/profile",
	"/api/goals",
	"/api/workouts",
	"/api/progress",
	"/api/nutrition",
	"/api/auth",
	"/api/settings",
	"/api/routines",
	"/api/calories",
	"/api/recipes",
	"/api/get-calorie-goal",
	"/api/subscription",
}

var staticDestinations = map[string]bool{
	"style":  true,
	"script": true,
	"image":  true,
	"font":   true,
}

// Classify assigns a request class from its method, URL and resource
// metadata. Destination and mode follow the fetch metadata vocabulary
// ("document", "style", "navigate", ...).
func Classify(method, rawURL, destination, mode string) model.RequestClass {
	if strings.HasPrefix(rawURL, "chrome-extension:") {
		return model.ClassIgnored
	}
	if mode == "navigate" || destination == "document" {
		return model.ClassNavigation
	}
	if staticDestinations[destination] {
		return model.ClassStaticAsset
	}
	// Every /api/ path takes the API strategy, recognized prefix or not.
	// Unlisted endpoints still get the cache lookup and the generic offline
	// fallback instead of a hard error.
	if strings.HasPrefix(pathOf(rawURL), "/api/") {
		return model.ClassAPI
	}
	return model.ClassOther
}

// MatchAPIPrefix returns the matching prefix from APIPrefixes, or "".
// Longer prefixes win so /api/foods is not shadowed by a shorter match.
func MatchAPIPrefix(rawURL string) string {
	path := pathOf(rawURL)
	match := ""
	for _, prefix := range APIPrefixes {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(match) {
			match = prefix
		}
	}
	return match
}

// SyncTypeFor derives the replay grouping for a URL: the last path segment
// of the matched API prefix (/api/foods/123 -> "foods"). Unmatched URLs get
// "other".
func SyncTypeFor(rawURL string) string {
	prefix := MatchAPIPrefix(rawURL)
	if prefix == "" {
		return "other"
	}
	idx := strings.LastIndex(prefix, "/")
	return prefix[idx+1:]
}

// IsMutation reports whether the method is replayable through the queue.
func IsMutation(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	default:
		return false
	}
}

func pathOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return u.Path
	}
	return rawURL
}
