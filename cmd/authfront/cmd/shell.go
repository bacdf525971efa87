package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/audit"
	"github.com/chimerakang/authfront-go/frontend"
	"github.com/chimerakang/authfront-go/metrics"
	"github.com/chimerakang/authfront-go/statestore"
	boltstore "github.com/chimerakang/authfront-go/statestore/bbolt"
	redisstore "github.com/chimerakang/authfront-go/statestore/redis"
)

var (
	shellMetricsAddr string
	shellAudit       bool
	shellHistory     string
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive authentication front-end",
	Long: `Start an interactive session against the backend. The session is resumed
from the refresh cookie when possible, and an unfinished signup or password
reset is restored from --state or --redis. Type "help" for the commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := globals.load(ctx, cmd)
		if err != nil {
			return err
		}

		store, closer, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		opts := []frontend.Option{
			frontend.WithStateStore(store),
			frontend.WithLogger(libraryLogger(cmd.ErrOrStderr(), globals.verbose)),
		}
		if closer != nil {
			opts = append(opts, frontend.WithCloser(closer))
		}
		if shellAudit {
			opts = append(opts, frontend.WithAudit(audit.New(0, audit.WithWriterHandler(cmd.ErrOrStderr()))))
		}
		if cfg.MetricsEnabled || shellMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			opts = append(opts, frontend.WithMetrics(metrics.NewWithRegisterer(reg)))
			if shellMetricsAddr != "" {
				serveMetrics(shellMetricsAddr, reg)
			}
		}

		client, err := frontend.New(ctx, cfg, opts...)
		if err != nil {
			if closer != nil {
				_ = closer.Close()
			}
			return err
		}
		defer client.Close()

		if client.Initialize(ctx) {
			log.Info().Msg("session resumed")
		}

		line := liner.NewLiner()
		defer line.Close()
		line.SetCtrlCAborts(true)
		if f, err := os.Open(shellHistory); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
		defer saveHistory(line, shellHistory)

		sh := newShell(client, cmd.OutOrStdout())
		for {
			input, err := line.Prompt("authfront> ")
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(sh.out)
				return nil
			}
			if err != nil {
				return err
			}
			if strings.TrimSpace(input) != "" {
				line.AppendHistory(input)
			}

			quit, err := sh.run(ctx, input)
			if err != nil {
				fmt.Fprintf(sh.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	},
}

// openStore selects the durable store: Redis, then BBolt, then memory.
// The returned closer is nil when there is nothing to release.
func openStore(ctx context.Context, cfg authfront.Config) (authfront.StateStore, io.Closer, error) {
	switch {
	case cfg.RedisAddr != "":
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		store := redisstore.New(rdb, cfg.StateNamespace, redisstore.WithTTL(cfg.VerificationTTL))
		return store, store, nil
	case cfg.StatePath != "":
		if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		store, err := boltstore.Open(cfg.StatePath, cfg.StateNamespace, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return statestore.NewMemory(), nil, nil
	}
}

func libraryLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
}

func saveHistory(line *liner.State, path string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = line.WriteHistory(f)
}

// shell executes one command line at a time against a client.
type shell struct {
	client *frontend.Client
	out    io.Writer
	now    func() time.Time
}

func newShell(client *frontend.Client, out io.Writer) *shell {
	return &shell{client: client, out: out, now: time.Now}
}

const shellHelp = `Commands:
  login <email> <password>                 log in with email and password
  logout                                   end the session
  me                                       show the authenticated account
  status                                   show session and verification state
  signup <name> <email> <password> <confirm>
                                           register and start email verification
  forgot <email>                           start a password reset
  verify <code>                            submit the emailed code
  link <token> [signup|forgot_password] [email]
                                           verify with the token from the emailed link
  resend                                   send a new code (once per cooldown)
  reset <password> <confirm>               set the new password after verification
  cancel                                   abandon the current flow
  config                                   show branding and login options
  quit                                     leave the shell
`

// run executes line. It reports whether the shell should exit.
func (s *shell) run(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := fields[0], fields[1:]
	flows := s.client.Flows()

	switch name {
	case "help", "?":
		fmt.Fprint(s.out, shellHelp)

	case "quit", "exit":
		return true, nil

	case "login":
		if len(args) != 2 {
			return false, usage("login <email> <password>")
		}
		if err := s.client.Login(ctx, args[0], args[1]); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "logged in")

	case "logout":
		s.client.Logout(ctx)
		fmt.Fprintln(s.out, "logged out")

	case "me":
		u, err := s.client.Me(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "%s <%s> (%s)\n", u.Name, u.Email, u.ID)

	case "status":
		s.status()

	case "signup":
		if len(args) != 4 {
			return false, usage("signup <name> <email> <password> <confirm>")
		}
		err := flows.StartSignup(ctx, authfront.SignupRequest{
			Name: args[0], Email: args[1], Password: args[2], PasswordConfirm: args[3],
		})
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "verification code sent to %s\n", args[1])

	case "forgot":
		if len(args) != 1 {
			return false, usage("forgot <email>")
		}
		if err := flows.StartForgotPassword(ctx, args[0]); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "verification code sent to %s\n", args[0])

	case "verify":
		if len(args) != 1 {
			return false, usage("verify <code>")
		}
		return false, s.verify(ctx, authfront.VerifyRequest{Code: args[0]})

	case "link":
		if len(args) < 1 || len(args) > 3 {
			return false, usage("link <token> [signup|forgot_password] [email]")
		}
		req := authfront.VerifyRequest{Token: args[0]}
		if len(args) >= 2 {
			req.Flow = authfront.FlowType(args[1])
			if !req.Flow.Valid() {
				return false, usage("link <token> [signup|forgot_password] [email]")
			}
		}
		if len(args) == 3 {
			req.Email = args[2]
		}
		return false, s.verify(ctx, req)

	case "resend":
		if err := flows.Resend(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "verification code sent again")

	case "reset":
		if len(args) != 2 {
			return false, usage("reset <password> <confirm>")
		}
		if err := flows.ResetPassword(ctx, args[0], args[1]); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "password updated, log in with the new password")

	case "cancel":
		flows.Cancel()
		fmt.Fprintln(s.out, "flow cancelled")

	case "config":
		return false, s.config(ctx)

	default:
		return false, fmt.Errorf("unknown command %q, type help", name)
	}
	return false, nil
}

func (s *shell) verify(ctx context.Context, req authfront.VerifyRequest) error {
	flow := s.client.Tracker().State(s.now()).Flow
	if req.Flow != authfront.FlowNone {
		flow = req.Flow
	}
	if _, err := s.client.Verify(ctx, req); err != nil {
		return err
	}
	switch flow {
	case authfront.FlowSignup:
		fmt.Fprintln(s.out, "email verified, logged in")
	default:
		fmt.Fprintln(s.out, "email verified, choose a new password with reset")
	}
	return nil
}

func (s *shell) status() {
	now := s.now()
	tr := s.client.Tracker()
	st := tr.State(now)

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "authenticated:\t%t\n", s.client.IsAuthenticated())
	if exp := s.client.Session().ExpiresAt(); !exp.IsZero() && s.client.IsAuthenticated() {
		fmt.Fprintf(tw, "token expires in:\t%s\n", exp.Sub(now).Round(time.Second))
	}
	fmt.Fprintf(tw, "flow:\t%s\n", st.Flow)
	fmt.Fprintf(tw, "phase:\t%s\n", tr.Phase(now))
	if !st.IsIdle() {
		fmt.Fprintf(tw, "email:\t%s\n", st.Email)
		fmt.Fprintf(tw, "expires in:\t%s\n", tr.TimeRemaining(now).Round(time.Second))
		if d := tr.CooldownRemaining(now); d > 0 {
			fmt.Fprintf(tw, "resend in:\t%s\n", d.Round(time.Second))
		}
	}
	if err := tr.LastError(); err != nil {
		fmt.Fprintf(tw, "last error:\t%v\n", err)
	}
	tw.Flush()
}

func (s *shell) config(ctx context.Context) error {
	global, err := s.client.Settings().Global(ctx)
	if err != nil {
		return err
	}
	auth, err := s.client.Settings().Auth(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "brand: %s\n", global.Brand.Name)
	fmt.Fprintf(s.out, "login mode: %s\n", auth.LoginMode)
	fmt.Fprintf(s.out, "registration: %t\n", auth.EmailPassword.Enabled && auth.EmailPassword.AllowRegister)
	if auth.SSO.Enabled {
		fmt.Fprintf(s.out, "sso: %s (%s)\n", auth.SSO.ButtonText, auth.SSO.Endpoint)
	}
	return nil
}

func usage(s string) error {
	return fmt.Errorf("usage: %s", s)
}

func init() {
	rootCmd.AddCommand(shellCmd)
	shellCmd.Flags().StringVar(&shellMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	shellCmd.Flags().BoolVar(&shellAudit, "audit", false, "Write audit events to stderr")
	shellCmd.Flags().StringVar(&shellHistory, "history", filepath.Join(os.TempDir(), "authfront_history"), "Command history file")
}
