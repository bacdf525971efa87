package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/frontend"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configFile string
	baseURL    string
	statePath  string
	redisAddr  string
	namespace  string
	verbose    bool
}

func (g *globalOptions) bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&g.configFile, "config", "c", "", "TOML configuration file")
	f.StringVar(&g.baseURL, "base-url", "", "Address of the authentication backend")
	f.StringVar(&g.statePath, "state", "", "BBolt file persisting the verification flow")
	f.StringVar(&g.redisAddr, "redis", "", "Redis address persisting the verification flow")
	f.StringVar(&g.namespace, "namespace", "", "State namespace, one per front-end instance")
	f.BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
}

// load resolves the configuration. Flags override the config file, which
// overrides the environment.
func (g *globalOptions) load(ctx context.Context, cmd *cobra.Command) (authfront.Config, error) {
	cfg, err := authfront.LoadConfig(ctx)
	if err != nil {
		return authfront.Config{}, err
	}
	if g.configFile != "" {
		if _, err := toml.DecodeFile(g.configFile, &cfg); err != nil {
			return authfront.Config{}, fmt.Errorf("failed to decode %s: %w", g.configFile, err)
		}
	}
	if changed(cmd, "base-url") {
		cfg.BaseURL = g.baseURL
	}
	if changed(cmd, "state") {
		cfg.StatePath = g.statePath
	}
	if changed(cmd, "redis") {
		cfg.RedisAddr = g.redisAddr
	}
	if changed(cmd, "namespace") {
		cfg.StateNamespace = g.namespace
	}
	return cfg.WithDefaults(), nil
}

func changed(cmd *cobra.Command, name string) bool {
	f := cmd.Flag(name)
	return f != nil && f.Changed
}

// configView is the printable form of authfront.Config.
type configView struct {
	BaseURL          string `yaml:"base_url"`
	Timeout          string `yaml:"timeout"`
	TokenRefreshSkew string `yaml:"token_refresh_skew"`
	VerificationTTL  string `yaml:"verification_ttl"`
	ResendCooldown   string `yaml:"resend_cooldown"`
	ConfigCacheTTL   string `yaml:"config_cache_ttl"`
	StateNamespace   string `yaml:"state_namespace"`
	StatePath        string `yaml:"state_path,omitempty"`
	RedisAddr        string `yaml:"redis_addr,omitempty"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
}

func viewOf(cfg authfront.Config) configView {
	return configView{
		BaseURL:          cfg.BaseURL,
		Timeout:          cfg.Timeout.String(),
		TokenRefreshSkew: cfg.TokenRefreshSkew.String(),
		VerificationTTL:  cfg.VerificationTTL.String(),
		ResendCooldown:   cfg.ResendCooldown.String(),
		ConfigCacheTTL:   cfg.ConfigCacheTTL.String(),
		StateNamespace:   cfg.StateNamespace,
		StatePath:        cfg.StatePath,
		RedisAddr:        cfg.RedisAddr,
		MetricsEnabled:   cfg.MetricsEnabled,
	}
}

type remoteView struct {
	Global *authfront.GlobalConfig `yaml:"global"`
	Auth   *authfront.AuthConfig   `yaml:"auth"`
}

var configRemote bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := globals.load(ctx, cmd)
		if err != nil {
			return err
		}
		if err := writeYAML(cmd.OutOrStdout(), viewOf(cfg)); err != nil {
			return err
		}
		if !configRemote {
			return nil
		}

		client, err := frontend.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		global, err := client.Settings().Global(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch global config: %w", err)
		}
		auth, err := client.Settings().Auth(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch auth config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "---")
		return writeYAML(cmd.OutOrStdout(), remoteView{Global: global, Auth: auth})
	},
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&configRemote, "remote", false, "Also fetch the branding and auth configuration from the backend")
}
