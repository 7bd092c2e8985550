package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/sessionkeeper/api"
	"github.com/jmcleod/sessionkeeper/storage"
	bboltstorage "github.com/jmcleod/sessionkeeper/storage/bbolt"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Session audit trail tools",
	Long:  `Commands for exporting and verifying per-user session audit trails.`,
}

var exportFlags struct {
	dataDir string
	out     string
}

var exportCmd = &cobra.Command{
	Use:   "export <uid>",
	Short: "Export a user's session audit trail as JSON",
	Long: `Reads the hash-chained audit trail of one user from the server's data
directory. The database is opened read-only; a running server holds its lock,
so export from a copy or while the server is stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		override(cmd, "data-dir", &cfg.Server.DataDir, exportFlags.dataDir)

		repo, err := bboltstorage.NewRepositoryFromFile(
			filepath.Join(cfg.Server.DataDir, "sessionkeeper.db"),
			&bbolt.Options{ReadOnly: true, Timeout: time.Second},
		)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer repo.Close()

		w := cmd.OutOrStdout()
		if exportFlags.out != "" {
			f, err := os.OpenFile(exportFlags.out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return writeAuditExport(w, repo, args[0])
	},
}

func writeAuditExport(w io.Writer, repo storage.Repository, uid string) error {
	export, err := api.ExportAuditTrail(repo, uid)
	if err != nil {
		return fmt.Errorf("reading audit trail: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(export)
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportFlags.dataDir, "data-dir", "./data", "Server data directory")
	exportCmd.Flags().StringVarP(&exportFlags.out, "out", "o", "", "Write to a file instead of stdout")
}
