package main

import (
	"testing"
	"time"

	"lepko/internal/blob"
)

func TestResolveRecordsDriver(t *testing.T) {
	t.Parallel()

	driver, err := resolveRecordsDriver("", "", false)
	if err != nil {
		t.Fatalf("resolveRecordsDriver returned error: %v", err)
	}
	if driver != "memory" {
		t.Fatalf("expected memory default, got %q", driver)
	}

	driver, err = resolveRecordsDriver("", "", true)
	if err != nil {
		t.Fatalf("resolveRecordsDriver returned error: %v", err)
	}
	if driver != "redis" {
		t.Fatalf("expected redis when an address is configured, got %q", driver)
	}

	driver, err = resolveRecordsDriver("Memory", "redis", true)
	if err != nil {
		t.Fatalf("resolveRecordsDriver returned error: %v", err)
	}
	if driver != "memory" {
		t.Fatalf("expected flag value to win, got %q", driver)
	}
}

func TestResolveBlobDriver(t *testing.T) {
	t.Parallel()

	if got := resolveBlobDriver("", "", blob.S3Config{}); got != "local" {
		t.Fatalf("expected local default, got %q", got)
	}
	s3Cfg := blob.S3Config{Endpoint: "http://127.0.0.1:9000", Bucket: "drops"}
	if got := resolveBlobDriver("", "", s3Cfg); got != "s3" {
		t.Fatalf("expected s3 when endpoint and bucket are set, got %q", got)
	}
	if got := resolveBlobDriver("local", "", s3Cfg); got != "local" {
		t.Fatalf("expected flag value to win, got %q", got)
	}
	if got := resolveBlobDriver("", "s3", blob.S3Config{}); got != "s3" {
		t.Fatalf("expected env value to win over heuristics, got %q", got)
	}
}

func TestResolveKeyStoreConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		flagDriver  string
		envDriver   string
		flagDSN     string
		envDSN      string
		fallbackDSN string
		want        keyStoreConfig
		wantErr     bool
	}{
		{name: "defaults to memory", want: keyStoreConfig{Driver: "memory"}},
		{
			name:    "dsn implies postgres",
			flagDSN: "postgres://flag",
			want:    keyStoreConfig{Driver: "postgres", DSN: "postgres://flag"},
		},
		{
			name:        "database url fallback",
			fallbackDSN: "postgres://database",
			want:        keyStoreConfig{Driver: "postgres", DSN: "postgres://database"},
		},
		{
			name:       "explicit memory ignores dsn",
			flagDriver: "memory",
			envDSN:     "postgres://env",
			want:       keyStoreConfig{Driver: "memory"},
		},
		{
			name:       "postgres without dsn fails",
			flagDriver: "postgres",
			wantErr:    true,
		},
		{
			name:       "unknown driver fails",
			flagDriver: "etcd",
			wantErr:    true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveKeyStoreConfig(tc.flagDriver, tc.envDriver, tc.flagDSN, tc.envDSN, tc.fallbackDSN)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveKeyStoreConfig returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestResolveListenAddr(t *testing.T) {
	t.Parallel()

	if got := resolveListenAddr(":9000", "development", ":7000"); got != ":9000" {
		t.Fatalf("expected flag address to win, got %q", got)
	}
	if got := resolveListenAddr("", "development", ":7000"); got != ":7000" {
		t.Fatalf("expected env address fallback, got %q", got)
	}
	if got := resolveListenAddr("", "production", ""); got != ":80" {
		t.Fatalf("expected production default, got %q", got)
	}
	if got := resolveListenAddr("", "development", ""); got != ":8080" {
		t.Fatalf("expected development default, got %q", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	t.Parallel()

	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("expected first usable value, got %q", got)
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	t.Parallel()

	got := splitAndTrim(" image/png , application/pdf ,, ")
	if len(got) != 2 || got[0] != "image/png" || got[1] != "application/pdf" {
		t.Fatalf("unexpected result: %v", got)
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}

func TestResolveDuration(t *testing.T) {
	t.Setenv("LEPKO_TEST_DURATION", "30s")

	if got := resolveDuration(time.Minute, "LEPKO_TEST_DURATION", time.Hour); got != time.Minute {
		t.Fatalf("expected flag value to win, got %v", got)
	}
	if got := resolveDuration(0, "LEPKO_TEST_DURATION", time.Hour); got != 30*time.Second {
		t.Fatalf("expected env value, got %v", got)
	}
	if got := resolveDuration(0, "LEPKO_TEST_DURATION_UNSET", time.Hour); got != time.Hour {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestResolveBool(t *testing.T) {
	t.Setenv("LEPKO_TEST_BOOL", "true")

	if !resolveBool(false, "LEPKO_TEST_BOOL") {
		t.Fatal("expected env value to enable the flag")
	}
	if resolveBool(false, "LEPKO_TEST_BOOL_UNSET") {
		t.Fatal("expected false when nothing is set")
	}
	if !resolveBool(true, "LEPKO_TEST_BOOL_UNSET") {
		t.Fatal("expected flag value to win")
	}
}

func TestResolveInt64(t *testing.T) {
	t.Setenv("LEPKO_TEST_INT64", "1048576")

	if got := resolveInt64(2048, "LEPKO_TEST_INT64"); got != 2048 {
		t.Fatalf("expected flag value to win, got %d", got)
	}
	if got := resolveInt64(0, "LEPKO_TEST_INT64"); got != 1048576 {
		t.Fatalf("expected env value, got %d", got)
	}
	if got := resolveInt64(0, "LEPKO_TEST_INT64_UNSET"); got != 0 {
		t.Fatalf("expected zero, got %d", got)
	}
}
