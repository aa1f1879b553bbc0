package classify

import (
	"testing"

	"github.com/fitsync/fitsync/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		method      string
		url         string
		destination string
		mode        string
		want        model.RequestClass
	}{
		{"navigation by mode", "GET", "/dashboard", "", "navigate", model.ClassNavigation},
		{"navigation by destination", "GET", "/", "document", "", model.ClassNavigation},
		{"stylesheet", "GET", "/assets/app.css", "style", "no-cors", model.ClassStaticAsset},
		{"script", "GET", "/assets/app.js", "script", "", model.ClassStaticAsset},
		{"image", "GET", "/logo.png", "image", "", model.ClassStaticAsset},
		{"font", "GET", "/fonts/inter.woff2", "font", "", model.ClassStaticAsset},
		{"api get", "GET", "/api/water/today", "", "cors", model.ClassAPI},
		{"api mutation", "POST", "/api/workouts", "", "cors", model.ClassAPI},
		{"api absolute url", "GET", "http://localhost:3000/api/profile", "", "", model.ClassAPI},
		{"unknown api path", "GET", "/api/unknown", "", "", model.ClassAPI},
		{"unknown api absolute url", "POST", "http://localhost:3000/api/custom", "", "cors", model.ClassAPI},
		{"plain asset without destination", "GET", "/manifest.json", "", "", model.ClassOther},
		{"extension scheme ignored", "GET", "chrome-extension://abc/page.html", "", "", model.ClassIgnored},
		{"navigation beats static destination", "GET", "/app", "document", "navigate", model.ClassNavigation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.method, tc.url, tc.destination, tc.mode)
			if got != tc.want {
				t.Fatalf("Classify(%q, %q, %q, %q) = %q, want %q",
					tc.method, tc.url, tc.destination, tc.mode, got, tc.want)
			}
		})
	}
}

func TestMatchAPIPrefixLongestWins(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"/api/foods/search?q=rice", "/api/foods"},
		{"/api/get-calorie-goal", "/api/get-calorie-goal"},
		{"/api/water", "/api/water"},
		{"http://localhost:3000/api/auth/login", "/api/auth"},
		{"/api/unknown", ""},
		{"/healthz", ""},
	}
	for _, tc := range cases {
		if got := MatchAPIPrefix(tc.url); got != tc.want {
			t.Fatalf("MatchAPIPrefix(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestSyncTypeFor(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"/api/water/log", "water"},
		{"/api/foods/123", "foods"},
		{"/api/auth/login", "auth"},
		{"/api/get-calorie-goal", "get-calorie-goal"},
		{"/api/unknown/thing", "other"},
		{"/static/app.js", "other"},
	}
	for _, tc := range cases {
		if got := SyncTypeFor(tc.url); got != tc.want {
			t.Fatalf("SyncTypeFor(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestIsMutation(t *testing.T) {
	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE", "post", "delete"} {
		if !IsMutation(method) {
			t.Fatalf("expected %s to be a mutation", method)
		}
	}
	for _, method := range []string{"GET", "HEAD", "OPTIONS", ""} {
		if IsMutation(method) {
			t.Fatalf("expected %s not to be a mutation", method)
		}
	}
}
