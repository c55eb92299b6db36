package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseMeta(t *testing.T) {
	md, err := parseMeta([]string{"feeder=12", "loadMw=4.25", "manual=true", "note=crew on site", "code=+5", "empty="})
	if err != nil {
		t.Fatal(err)
	}

	if md["feeder"] != json.Number("12") {
		t.Errorf("feeder: expected number 12, got %#v", md["feeder"])
	}
	if md["loadMw"] != json.Number("4.25") {
		t.Errorf("loadMw: expected number 4.25, got %#v", md["loadMw"])
	}
	if md["manual"] != true {
		t.Errorf("manual: expected bool true, got %#v", md["manual"])
	}
	if md["note"] != "crew on site" {
		t.Errorf("note: got %#v", md["note"])
	}
	// Not a JSON number literal, so kept as text.
	if md["code"] != "+5" {
		t.Errorf("code: expected string +5, got %#v", md["code"])
	}
	if md["empty"] != "" {
		t.Errorf("empty: expected empty string, got %#v", md["empty"])
	}
}

func TestParseMeta_Invalid(t *testing.T) {
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseMeta([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseMeta_Empty(t *testing.T) {
	md, err := parseMeta(nil)
	if err != nil || md != nil {
		t.Errorf("expected nil metadata, got %v, %v", md, err)
	}
}

func TestOpenStore_MissingLedgerIsAnError(t *testing.T) {
	prev := configDir
	configDir = filepath.Join(t.TempDir(), "mistyped")
	defer func() { configDir = prev }()

	if _, err := openStore(); err == nil {
		t.Fatal("expected an error for a config dir without a ledger")
	}
	if _, err := os.Stat(configDir); !os.IsNotExist(err) {
		t.Errorf("openStore created %s", configDir)
	}
}
