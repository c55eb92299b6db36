package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/gridops/gridledger/internal/audit"
)

// ============================================================================
// gridledger log: record an event through the running server
// ============================================================================

var (
	logOperator string
	logKind     string
	logResource string
	logDetails  string
	logMeta     []string
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Record an event in the ledger",
	Long: `Record an event through the running gridledger server.

Examples:
  gridledger log --operator op-3 --kind operator-override --resource breaker-7 \
      --details "forced open for crew safety" --meta feeder=12 --meta loadMw=4.2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		md, err := parseMeta(logMeta)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var e audit.Entry
		if err := client.post("/api/audit", audit.Draft{
			Operator: logOperator,
			Kind:     audit.EventKind(logKind),
			Resource: logResource,
			Details:  logDetails,
			Metadata: md,
		}, &e); err != nil {
			return err
		}
		printEntry(e)
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logOperator, "operator", "", "Operator id (required)")
	logCmd.Flags().StringVar(&logKind, "kind", "", "Event kind, e.g. operator-override (required)")
	logCmd.Flags().StringVar(&logResource, "resource", "", "Affected resource")
	logCmd.Flags().StringVar(&logDetails, "details", "", "Free-text description")
	logCmd.Flags().StringArrayVar(&logMeta, "meta", nil, "Metadata key=value (repeatable)")
	logCmd.MarkFlagRequired("operator")
	logCmd.MarkFlagRequired("kind")
}

// parseMeta turns key=value pairs into metadata. Values that parse as
// numbers or booleans keep that type.
func parseMeta(pairs []string) (audit.Metadata, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(audit.Metadata, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", p)
		}
		switch {
		case v == "true" || v == "false":
			md[k] = v == "true"
		case isNumber(v):
			md[k] = json.Number(v)
		default:
			md[k] = v
		}
	}
	return md, nil
}

// isNumber reports whether s is a JSON number literal.
func isNumber(s string) bool {
	var n json.Number
	return !strings.HasPrefix(s, `"`) && json.Unmarshal([]byte(s), &n) == nil
}

// ============================================================================
// gridledger tail: show recent entries, optionally follow the live feed
// ============================================================================

var (
	tailFollow bool
	tailLimit  int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent ledger entries",
	Long:  `Show the most recent ledger entries. Use -f to follow the running server's live feed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		entries, err := store.Query(cmd.Context(), audit.Filter{Limit: tailLimit})
		store.Close()
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}

		last := ""
		for _, e := range entries {
			printEntry(e)
			last = e.ID
		}
		if !tailFollow {
			return nil
		}
		return follow(last)
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Follow new entries in real time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// follow prints entries newer than lastID from each live feed snapshot
// until interrupted.
func follow(lastID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("cannot follow: server not reachable at %s: %w", url, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg struct {
			Entries []audit.Entry `json:"entries"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("live feed closed: %w", err)
		}

		// Snapshots are newest first; print what came after lastID.
		var fresh []audit.Entry
		for _, e := range msg.Entries {
			if e.ID == lastID {
				break
			}
			fresh = append(fresh, e)
		}
		for i := len(fresh) - 1; i >= 0; i-- {
			printEntry(fresh[i])
		}
		if len(msg.Entries) > 0 {
			lastID = msg.Entries[0].ID
		} else {
			lastID = ""
		}
	}
}

// ============================================================================
// gridledger query: filter stored entries
// ============================================================================

var (
	queryKind     string
	queryOperator string
	queryResource string
	querySince    string
	queryUntil    string
	queryLimit    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query ledger entries with filters",
	Long: `Query the ledger with filters. All filters combine with AND.

Examples:
  gridledger query --kind operator-override --since 24h
  gridledger query --resource 'breaker-*' --operator op-3 --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		f := audit.Filter{
			Kind:     audit.EventKind(queryKind),
			Operator: queryOperator,
			Resource: queryResource,
			Limit:    queryLimit,
		}
		if f.Kind != "" && !f.Kind.Valid() {
			return fmt.Errorf("unknown event kind %q", f.Kind)
		}
		var err error
		if f.Since, err = audit.ParseTimeBound(querySince, now); err != nil {
			return err
		}
		if f.Until, err = audit.ParseTimeBound(queryUntil, now); err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.Query(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("ledger query failed: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No matching ledger entries found.")
			return nil
		}
		for _, e := range entries {
			printEntry(e)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryKind, "kind", "", "Filter by event kind")
	queryCmd.Flags().StringVar(&queryOperator, "operator", "", "Filter by operator id")
	queryCmd.Flags().StringVar(&queryResource, "resource", "", "Filter by resource glob, e.g. 'breaker-*'")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Entries since an RFC 3339 time or duration (e.g. 1h, 30m)")
	queryCmd.Flags().StringVar(&queryUntil, "until", "", "Entries until an RFC 3339 time or duration ago")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of entries (newest kept), 0 for all")
}

// ============================================================================
// gridledger verify: check chain integrity
// ============================================================================

var verifyFile string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Recompute every entry hash and check every link back to the genesis
hash. With --file, verify a JSON export instead of the local ledger, so a
third party can check an artifact without access to the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			entries []audit.Entry
			source  string
		)
		if verifyFile != "" {
			f, err := os.Open(verifyFile)
			if err != nil {
				return fmt.Errorf("failed to open export: %w", err)
			}
			doc, err := audit.ParseJSONExport(f)
			f.Close()
			if err != nil {
				return err
			}
			entries, source = doc.Entries, verifyFile
		} else {
			store, err := openStore()
			if err != nil {
				return err
			}
			entries, err = store.All(cmd.Context())
			source = store.Path()
			store.Close()
			if err != nil {
				return fmt.Errorf("failed to read ledger: %w", err)
			}
		}

		res := audit.Verify(audit.SHA256Hasher{}, entries)
		if res.Valid {
			fmt.Printf("[gridledger] Hash chain VALID (%d entries verified, %s)\n", res.EntriesChecked, source)
			return nil
		}
		fmt.Printf("[gridledger] Hash chain BROKEN at entry #%d (id %s): %s\n", res.BrokenAtIndex, res.BrokenAtID, res.Reason)
		fmt.Printf("  Expected: %s\n", res.ExpectedHash)
		fmt.Printf("  Actual:   %s\n", res.ActualHash)
		return fmt.Errorf("%s: %w", source, audit.ErrChainBroken)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "Verify a JSON export file instead of the local ledger")
}

// ============================================================================
// gridledger export / compliance
// ============================================================================

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger",
	Long: `Export the full ledger to stdout, oldest entry first.
Supported formats: csv, json. A JSON export can be checked later with
'gridledger verify --file'.

Example:
  gridledger export --format json > ledger-2026-03.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFormat != "csv" && exportFormat != "json" {
			return fmt.Errorf("unknown format %q: use csv or json", exportFormat)
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.All(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		if exportFormat == "csv" {
			return audit.ExportCSV(os.Stdout, entries)
		}
		return audit.ExportJSON(os.Stdout, entries, time.Now())
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Export format: csv, json")
}

var (
	complianceStandard string
	complianceRecent   int
)

var complianceCmd = &cobra.Command{
	Use:   "compliance",
	Short: "Print a compliance artifact",
	Long: `Print a JSON compliance artifact: metadata with a freshly computed
verification verdict, counts by event kind, and the most recent entries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if complianceStandard == "" {
			complianceStandard = cfg.Compliance.Standard
		}
		if !cmd.Flags().Changed("recent") {
			complianceRecent = cfg.Compliance.RecentEntries
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.All(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		art := audit.BuildComplianceArtifact(entries, audit.ComplianceOptions{
			Standard:      complianceStandard,
			RecentEntries: complianceRecent,
		})

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(art)
	},
}

func init() {
	complianceCmd.Flags().StringVar(&complianceStandard, "standard", "", "Standard name (default from config)")
	complianceCmd.Flags().IntVar(&complianceRecent, "recent", 0, "Recent entries to include (default from config)")
}

// ============================================================================
// gridledger reset: clear the ledger through the running server
// ============================================================================

var (
	resetOperator string
	resetReason   string
	resetYes      bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the ledger and start a new chain",
	Long: `Clear every stored entry and restart the chain from the genesis hash.
The server records a config-change entry naming the operator as the first
entry of the new chain. Only accepted from the server's own host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes {
			return fmt.Errorf("reset permanently deletes the ledger; pass --yes to confirm")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp struct {
			Entry audit.Entry `json:"entry"`
		}
		if err := client.post("/api/audit/reset", map[string]string{
			"operator": resetOperator,
			"reason":   resetReason,
		}, &resp); err != nil {
			return err
		}
		fmt.Println("[gridledger] Ledger reset")
		printEntry(resp.Entry)
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetOperator, "operator", "", "Operator performing the reset")
	resetCmd.Flags().StringVar(&resetReason, "reason", "", "Reason recorded with the reset")
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "Confirm the reset")
}

// printEntry formats a single entry for the terminal.
func printEntry(e audit.Entry) {
	line := fmt.Sprintf("[%s] %-18s operator=%-10s", e.Timestamp, e.Kind, e.Operator)
	if e.Resource != "" {
		line += " resource=" + e.Resource
	}
	if e.Details != "" {
		line += " " + strconv.Quote(e.Details)
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line += fmt.Sprintf(" %s=%v", k, e.Metadata[k])
		}
	}
	fmt.Println(line)
}
