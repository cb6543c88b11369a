package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	nested := map[string]any{
		"log_level": "info",
		"http": map[string]any{
			"listen":     ":8787",
			"public_url": "http://localhost:8787",
		},
		"sync": map[string]any{
			"interval_minutes": float64(15),
		},
	}

	flat := Flatten(nested)
	if flat["http.listen"] != ":8787" || flat["sync.interval_minutes"] != float64(15) {
		t.Errorf("flat = %v", flat)
	}

	back := Unflatten(flat)
	if !reflect.DeepEqual(back, nested) {
		t.Errorf("round trip mismatch:\n got %v\nwant %v", back, nested)
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"master_key":           "supersecretkey01",
		"slack.signing_secret": "ab",
		"github.client_id":     "public-id",
		"telegram.token":       "",
	}
	masked := MaskSecrets(flat)

	if masked["master_key"] != "***ey01" {
		t.Errorf("master_key = %v", masked["master_key"])
	}
	if masked["slack.signing_secret"] != "***ab" {
		t.Errorf("short secret = %v", masked["slack.signing_secret"])
	}
	if masked["github.client_id"] != "public-id" {
		t.Errorf("non-secret masked: %v", masked["github.client_id"])
	}
	if masked["telegram.token"] != "" {
		t.Errorf("empty secret = %v", masked["telegram.token"])
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("github.webhook_secret") {
		t.Error("webhook secret not flagged")
	}
	if IsSecretKey("http.listen") {
		t.Error("listen flagged as secret")
	}
}

func TestGetSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{
		"log_level": "info",
		"http": {"listen": ":8787"},
		"sync": {"interval_minutes": 15},
		"master_key": "supersecretkey01"
	}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v, err := GetValue(path, "http.listen")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if v != ":8787" {
		t.Errorf("listen = %v", v)
	}

	v, err = GetValue(path, "master_key")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if v != "***ey01" {
		t.Errorf("secret not masked on read: %v", v)
	}

	if _, err := GetValue(path, "no.such.key"); err == nil {
		t.Error("GetValue accepted unknown key")
	}

	if err := SetValue(path, "sync.interval_minutes", "30"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	v, err = GetValue(path, "sync.interval_minutes")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if v != float64(30) {
		t.Errorf("interval = %v (%T), want numeric 30", v, v)
	}

	if err := SetValue(path, "log_level", "debug"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if v, _ := GetValue(path, "log_level"); v != "debug" {
		t.Errorf("log_level = %v", v)
	}
}

func TestListValues(t *testing.T) {
	cfg := &Config{MasterKey: "supersecretkey01", LogLevel: "info"}
	cfg.HTTP.Listen = ":8787"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues: %v", err)
	}
	if flat["master_key"] != "***ey01" {
		t.Errorf("master_key = %v", flat["master_key"])
	}
	if flat["http.listen"] != ":8787" {
		t.Errorf("http.listen = %v", flat["http.listen"])
	}

	unmasked, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues: %v", err)
	}
	if unmasked["master_key"] != "supersecretkey01" {
		t.Errorf("unmasked master_key = %v", unmasked["master_key"])
	}
}
