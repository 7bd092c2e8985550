package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmcleod/sessionkeeper/backend"
	"github.com/jmcleod/sessionkeeper/connectivity"
	"github.com/jmcleod/sessionkeeper/identity"
	"github.com/jmcleod/sessionkeeper/internal/config"
	tabhost "github.com/jmcleod/sessionkeeper/internal/tab"
	"github.com/jmcleod/sessionkeeper/record"
	recordfile "github.com/jmcleod/sessionkeeper/record/file"
	"github.com/jmcleod/sessionkeeper/session"
)

var tabFlags struct {
	serverURL string
	recordDir string
	probeURL  string
}

var tabCmd = &cobra.Command{
	Use:   "tab",
	Short: "Run an interactive session tab",
	Long: `Runs one session tab against a sessionkeeper server. Tabs started with
the same --record-dir share a session record and follow each other's logins
and logouts. Type help at the prompt for commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		override(cmd, "server-url", &cfg.Tab.ServerURL, tabFlags.serverURL)
		override(cmd, "record-dir", &cfg.Tab.RecordDir, tabFlags.recordDir)
		override(cmd, "probe-url", &cfg.Tab.ProbeURL, tabFlags.probeURL)
		if err := cfg.ValidateTab(); err != nil {
			return err
		}
		logger, err := cfg.Log.NewLogger(os.Stderr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dir, err := recordfile.Open(cfg.Tab.RecordDir, recordfile.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to open session record: %w", err)
		}
		defer dir.Close()

		monitor := connectivity.NewMonitor(true)
		if cfg.Tab.ProbeURL != "" {
			prober := connectivity.NewProber(cfg.Tab.ProbeURL, monitor,
				connectivity.WithInterval(cfg.Tab.ProbeInterval),
				connectivity.WithLogger(logger),
			)
			prober.Check(ctx)
			go prober.Run(ctx)
		}

		idp, signIn, err := newIdentityProvider(ctx, cfg.Identity, logger)
		if err != nil {
			return err
		}

		ctl := session.New(idp,
			backend.New(cfg.Tab.ServerURL, backend.WithBasePath(cfg.Tab.BasePath), backend.WithLogger(logger)),
			record.New(dir, record.WithLogger(logger)),
			session.WithLogger(logger),
			session.WithConnectivity(monitor),
		)
		host := tabhost.New(ctl, idp, signIn, monitor,
			tabhost.WithOutput(cmd.OutOrStdout()),
			tabhost.WithLogger(logger),
		)
		return host.Run(ctx, cmd.InOrStdin())
	},
}

func init() {
	rootCmd.AddCommand(tabCmd)
	f := tabCmd.Flags()
	f.StringVar(&tabFlags.serverURL, "server-url", "http://localhost:8080", "Base URL of the session service")
	f.StringVar(&tabFlags.recordDir, "record-dir", "./tabs", "Directory holding the session record shared by tabs")
	f.StringVar(&tabFlags.probeURL, "probe-url", "", "URL polled to detect connectivity (disabled when empty)")
}

func newIdentityProvider(ctx context.Context, ic config.IdentityConfig, logger *slog.Logger) (tabhost.Provider, tabhost.SignInFunc, error) {
	switch ic.Mode {
	case config.IdentityOIDC:
		p, err := identity.NewOIDCProvider(ctx, identity.OIDCConfig{
			IssuerURL:    ic.IssuerURL,
			ClientID:     ic.ClientID,
			ClientSecret: ic.ClientSecret,
			Scopes:       ic.Scopes,
		}, identity.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return p, tabhost.OIDCSignIn(p), nil
	default:
		signer, err := identity.NewSigner([]byte(ic.LocalSecret), ic.TokenTTL, identity.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		p := identity.NewLocalProvider(signer, identity.WithLogger(logger))
		return p, tabhost.LocalSignIn(p), nil
	}
}
