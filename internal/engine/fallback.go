package engine

import (
	"github.com/fitsync/fitsync/internal/api"
	"github.com/fitsync/fitsync/internal/classify"
)

// fallbackBodies are the deterministic placeholders served when a GET to a
// known API prefix fails with no cached copy. Raw JSON literals keep the
// bytes stable. Auth is the one prefix that does not pretend to succeed
// offline; everything else returns an empty-but-valid shape.
var fallbackBodies = map[string]string{
	"/api/water":            `{"history":[],"recommendation":2000,"today":{"total":0,"goal":2000,"percentage":0},"success":true,"offline":true}`,
	"/api/auth":             `{"message":"Authentication requires an internet connection","success":false,"offline":true,"requiresOnline":true}`,
	"/api/foods":            `{"foods":[],"success":true,"offline":true}`,
	"/api/exercises":        `{"exercises":[],"success":true,"offline":true}`,
	"/api/profile":          `{"profile":null,"success":true,"offline":true}`,
	"/api/goals":            `{"goals":[],"success":true,"offline":true}`,
	"/api/workouts":         `{"workouts":[],"success":true,"offline":true}`,
	"/api/progress":         `{"progress":[],"success":true,"offline":true}`,
	"/api/nutrition":        `{"nutrition":null,"success":true,"offline":true}`,
	"/api/settings":         `{"settings":null,"success":true,"offline":true}`,
	"/api/routines":         `{"routines":[],"success":true,"offline":true}`,
	"/api/calories":         `{"calories":[],"success":true,"offline":true}`,
	"/api/recipes":          `{"recipes":[],"success":true,"offline":true}`,
	"/api/get-calorie-goal": `{"calorieGoal":2000,"success":true,"offline":true}`,
	"/api/subscription":     `{"subscription":null,"success":true,"offline":true}`,
}

const genericFallbackBody = `{"success":false,"offline":true,"message":"no data available"}`

// offlineFallback synthesizes the typed placeholder for url. Always HTTP
// 200: offline reads are not errors from the page's point of view.
func offlineFallback(url string) api.FetchResponse {
	body := genericFallbackBody
	if prefix := classify.MatchAPIPrefix(url); prefix != "" {
		if b, ok := fallbackBodies[prefix]; ok {
			body = b
		}
	}
	return jsonResponse(200, []byte(body), api.SourceFallback, true)
}
