package version

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
)

func stamp(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	oldVersion, oldCommit, oldBuildTime := AppVersion, GitCommit, BuildTime
	t.Cleanup(func() {
		AppVersion = oldVersion
		GitCommit = oldCommit
		BuildTime = oldBuildTime
	})
	AppVersion, GitCommit, BuildTime = version, commit, buildTime
}

func TestCurrent_Defaults(t *testing.T) {
	stamp(t, "", " ", "")

	info := Current("")

	if info.Service != Unknown {
		t.Fatalf("expected service %q, got %q", Unknown, info.Service)
	}
	if info.Version != DevelopmentVersion {
		t.Fatalf("expected version %q, got %q", DevelopmentVersion, info.Version)
	}
	if info.Commit != Unknown || info.BuildTime != Unknown {
		t.Fatalf("expected unknown commit and build time, got %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Fatalf("go version = %q", info.GoVersion)
	}
}

func TestInfo_String(t *testing.T) {
	stamp(t, "v1.4.0", "abc123", "2026-01-02T03:04:05Z")

	s := Current("chatsync").String()
	if !strings.HasPrefix(s, "chatsync@v1.4.0 (commit=abc123, build_time=2026-01-02T03:04:05Z") {
		t.Fatalf("unexpected string %q", s)
	}
}

func TestHandler(t *testing.T) {
	stamp(t, "v2.0.0", "deadbeef", Unknown)

	rec := httptest.NewRecorder()
	Handler("chatsync").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var info Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Service != "chatsync" || info.Version != "v2.0.0" || info.Commit != "deadbeef" {
		t.Fatalf("unexpected info %+v", info)
	}
}
