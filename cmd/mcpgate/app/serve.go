package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpgate/mcpgate/pkg/api"
	"github.com/mcpgate/mcpgate/pkg/auth"
	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/index"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/monitor"
	"github.com/mcpgate/mcpgate/pkg/registry"
	"github.com/mcpgate/mcpgate/pkg/scopes"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway listener. One port serves proxied MCP traffic,
the admin API under /api/v1, the public catalog under /v0.1 and the
operational endpoints.`,
	RunE: runServe,
}

const defaultGracefulTimeout = 30 * time.Second

func init() {
	flags := serveCmd.Flags()
	flags.String("address", ":8000", "Address to listen on")
	flags.String("data-dir", "/var/lib/mcpgate", "Directory for persisted service documents and the tool index")
	flags.String("scopes-file", "", "Path to the scope mapping file (default <data-dir>/auth_server/scopes.yml)")
	flags.StringSlice("oidc-issuer", nil, "Accepted OIDC issuer as issuer=jwks_url (repeatable)")
	flags.String("minted-issuer", "mcpgate", "Issuer claim for gateway-minted tokens")
	flags.String("minted-secret", "", "HMAC secret for gateway-minted tokens (or MCPGATE_MINTED_SECRET)")
	flags.Duration("token-leeway", 0, "Permitted clock skew when validating token expiry")
	flags.Duration("session-ttl", time.Hour, "Lifetime of session cookies")
	flags.String("namespace", "mcpgate", "Namespace prefix for catalog server names")
	flags.String("probe-group", "mcp-admins", "Group claim minted into health probe tokens")
	flags.Duration("probe-period", monitor.DefaultPeriod, "Interval between health probe cycles")
	flags.Duration("probe-timeout", monitor.DefaultProbeTimeout, "Timeout for one full health probe")
	flags.String("embeddings-backend", "local", "Embedding backend: local, ollama or openai")
	flags.String("embeddings-url", "", "Embedding service base URL")
	flags.String("embeddings-model", "", "Embedding model name")
	flags.Int("embeddings-dimension", index.DefaultDimension, "Embedding vector dimension")

	for _, name := range []string{
		"address", "data-dir", "scopes-file", "oidc-issuer",
		"minted-issuer", "minted-secret", "token-leeway", "session-ttl",
		"namespace", "probe-group", "probe-period", "probe-timeout",
		"embeddings-backend", "embeddings-url", "embeddings-model", "embeddings-dimension",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
}

// parseIssuers turns repeated issuer=jwks_url flag values into configs.
func parseIssuers(raw []string) ([]auth.IssuerConfig, error) {
	issuers := make([]auth.IssuerConfig, 0, len(raw))
	for _, entry := range raw {
		issuer, jwksURL, ok := strings.Cut(entry, "=")
		if !ok || issuer == "" || jwksURL == "" {
			return nil, fmt.Errorf("invalid --oidc-issuer value %q, want issuer=jwks_url", entry)
		}
		issuers = append(issuers, auth.IssuerConfig{Issuer: issuer, JWKSURL: jwksURL})
	}
	return issuers, nil
}

// probeBaseURL derives the loopback URL the health monitor probes through,
// so probes exercise the same auth and rewrite path as real clients.
func probeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	address := viper.GetString("address")
	dataDir := viper.GetString("data-dir")

	issuers, err := parseIssuers(viper.GetStringSlice("oidc-issuer"))
	if err != nil {
		return err
	}
	mintedSecret := viper.GetString("minted-secret")
	if len(issuers) == 0 && mintedSecret == "" {
		return fmt.Errorf("no token source configured: set --oidc-issuer or --minted-secret")
	}

	store, err := registry.NewStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	logger.Infow("registry loaded", "services", store.Snapshot().Len(), "data_dir", dataDir)

	scopesFile := viper.GetString("scopes-file")
	if scopesFile == "" {
		scopesFile = filepath.Join(dataDir, "auth_server", "scopes.yml")
	}
	provider, err := scopes.NewProvider(scopesFile)
	if err != nil {
		return fmt.Errorf("failed to load scope mapping: %w", err)
	}
	go func() {
		if err := provider.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("scope file watch stopped: %v", err)
		}
	}()

	var minted *auth.MintedConfig
	if mintedSecret != "" {
		minted = &auth.MintedConfig{
			Issuer: viper.GetString("minted-issuer"),
			Secret: []byte(mintedSecret),
		}
	}
	validator := auth.NewTokenValidator(ctx, issuers, minted, viper.GetDuration("token-leeway"))
	sessions := auth.NewSessionStore(viper.GetDuration("session-ttl"))
	resolver := auth.NewResolver(validator, provider, sessions)

	metrics := telemetry.New()
	go metrics.TrackRegistry(ctx, store)

	embedder, err := index.NewEmbedder(index.EmbedderConfig{
		Backend:   viper.GetString("embeddings-backend"),
		BaseURL:   viper.GetString("embeddings-url"),
		Model:     viper.GetString("embeddings-model"),
		Dimension: viper.GetInt("embeddings-dimension"),
	})
	if err != nil {
		return fmt.Errorf("failed to configure embeddings: %w", err)
	}
	idx, err := index.New(filepath.Join(dataDir, "servers"), store, embedder, metrics)
	if err != nil {
		return fmt.Errorf("failed to build tool index: %w", err)
	}
	go idx.Run(ctx)

	var mon *monitor.Monitor
	var prober api.HealthProber
	if minted != nil {
		creds := monitor.NewMintedCredentialSource(
			minted.Issuer, minted.Secret, viper.GetString("probe-group"), 0)
		mon = monitor.New(monitor.Config{
			GatewayBaseURL: probeBaseURL(address),
			Period:         viper.GetDuration("probe-period"),
			ProbeTimeout:   viper.GetDuration("probe-timeout"),
		}, store, creds, metrics)
		prober = mon
	} else {
		logger.Warn("health monitor disabled: probes need a minted-token secret")
	}

	gw := gateway.New(gateway.Config{
		Addr:    address,
		Admin:   api.AdminRouter(store, provider, resolver, prober, idx),
		Catalog: api.CatalogRouter(store, resolver, viper.GetString("namespace")),
	}, store, resolver, metrics)

	if err := gw.Start(ctx); err != nil {
		return err
	}
	if mon != nil {
		go mon.Run(ctx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down gateway...")

	// Stop accepting connections and drain in-flight requests, then cancel
	// probes, the index rebuild loop and the scope watcher.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Gateway forced to shutdown: %v", err)
		return err
	}
	cancel()

	logger.Info("Gateway shutdown complete")
	return nil
}
