package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/sessionkeeper/api"
)

type verifyResult struct {
	File       string        `json:"file"`
	UID        string        `json:"uid"`
	EntryCount int           `json:"entry_count"`
	Pruned     bool          `json:"pruned"`
	Valid      bool          `json:"valid"`
	Checks     []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // pass, fail or warn
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

func verifyAuditChain(export api.AuditExport) verifyResult {
	anchor := export.Anchor
	if anchor == "" {
		anchor = api.AuditGenesisHash
	}
	result := verifyResult{
		UID:        export.UID,
		EntryCount: len(export.Entries),
		Pruned:     anchor != api.AuditGenesisHash,
		Valid:      true,
	}
	entries := export.Entries

	if len(entries) == 0 {
		result.pass("empty_chain", "no entries to verify")
		return result
	}

	// 1. The oldest entry hangs off the anchor: genesis, or the link left
	// behind by retention.
	if entries[0].PrevHash == anchor {
		detail := "genesis"
		if result.Pruned {
			detail = "pruned anchor"
		}
		result.pass("anchor", detail)
	} else {
		result.fail("anchor", fmt.Sprintf("first entry prev_hash=%s, expected %s", entries[0].PrevHash, anchor))
	}

	// 2. Chain continuity.
	broken := ""
	for i := 1; i < len(entries); i++ {
		prev := entries[i-1]
		expected := api.AuditChainHash(prev.ID, prev.PrevHash, prev.CreatedAt)
		if entries[i].PrevHash != expected {
			broken = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but expected %s (computed from entry %d)",
				i, entries[i].ID, entries[i].PrevHash, expected, i-1)
			break
		}
	}
	if broken == "" {
		result.pass("chain_continuity", fmt.Sprintf("all %d entries link correctly", len(entries)))
	} else {
		result.fail("chain_continuity", broken)
	}

	// 3. Sequence numbers have no gaps.
	gap := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq != entries[i-1].Seq+1 {
			gap = fmt.Sprintf("entry %d has seq=%d after seq=%d", i, entries[i].Seq, entries[i-1].Seq)
			break
		}
	}
	if gap == "" {
		result.pass("contiguous_sequence", "")
	} else {
		result.fail("contiguous_sequence", gap)
	}

	// 4. No duplicate IDs.
	seen := make(map[string]int, len(entries))
	dup := ""
	for i, e := range entries {
		if prev, ok := seen[e.ID]; ok {
			dup = fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	if dup == "" {
		result.pass("no_duplicate_ids", "")
	} else {
		result.fail("no_duplicate_ids", dup)
	}

	// 5. Monotonic timestamps. Clock skew is not tampering, so this only
	// warns.
	var prevTime time.Time
	unordered, unparsed := "", false
	for i, e := range entries {
		t, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			unparsed = true
			continue
		}
		if !prevTime.IsZero() && t.Before(prevTime) {
			unordered = fmt.Sprintf("entry %d (created_at=%s) is earlier than entry %d", i, e.CreatedAt, i-1)
			break
		}
		prevTime = t
	}
	switch {
	case unordered != "":
		result.warn("monotonic_timestamps", unordered)
	case unparsed:
		result.warn("monotonic_timestamps", "some timestamps could not be parsed")
	default:
		result.pass("monotonic_timestamps", "")
	}

	// 6. Every entry belongs to the exported user.
	stray := ""
	for i, e := range entries {
		if e.UID != export.UID {
			stray = fmt.Sprintf("entry %d has uid=%s, expected %s", i, e.UID, export.UID)
			break
		}
	}
	if stray == "" {
		result.pass("consistent_uids", "")
	} else {
		result.fail("consistent_uids", stray)
	}

	return result
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Audit chain verification: %s\n", result.File)
	fmt.Fprintf(w, "User:     %s\n", result.UID)
	fmt.Fprintf(w, "Entries:  %d\n\n", result.EntryCount)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
			failures++
		case "warn":
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}
	if result.Pruned {
		fmt.Fprintln(w, "[INFO] older entries were removed by retention; the chain is verified from the retained anchor")
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify the integrity of an exported audit trail",
	Long: `Reads a trail written by "sessionkeeper audit export" and verifies the
hash chain from its anchor, sequence numbering and timestamp ordering.
Exits 1 when the trail is invalid and 2 when the file cannot be read.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	auditCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read file: %v\n", err)
		os.Exit(2)
	}

	var export api.AuditExport
	if err := json.Unmarshal(data, &export); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid JSON: %v\n", err)
		os.Exit(2)
	}

	result := verifyAuditChain(export)
	result.File = filePath

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(out, result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
