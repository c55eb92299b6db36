package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gridops/gridledger/internal/audit"
)

// apiClient talks to the running server. Write commands go through it so
// the server stays the only process appending to the chain.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		base: fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// post sends body as JSON and decodes the response into out (if non-nil).
func (c *apiClient) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("gridledger server is not reachable at %s (run 'gridledger start'): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// openStore opens the ledger database directly for read-only commands. A
// missing database is an error, so a mistyped --config-dir is reported
// instead of verifying an empty chain.
func openStore() (*audit.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := audit.OpenSQLiteStoreReadOnly(filepath.Join(cfg.LedgerDir(configDir), audit.DatabaseFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return store, nil
}
