package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chimerakang/authfront-go/api"
	"github.com/chimerakang/authfront-go/fake"
)

var (
	mockAddr     string
	mockCode     string
	mockUsers    []string
	mockNoSignup bool
)

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Serve an in-memory authentication backend",
	Long: `Serve the REST API from memory. The account admin@atlas.com / admin123
exists by default and every verification code is 114514 unless --code is set.
Verification mails are written to the log instead of being sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := mockOptions(log.Logger)
		if err != nil {
			return err
		}

		gin.SetMode(gin.ReleaseMode)
		srv := fake.NewServer(opts...)
		server := &http.Server{
			Addr:              mockAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()
		log.Info().Str("addr", mockAddr).Msg("serving mock backend")

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func mockOptions(logger zerolog.Logger) ([]fake.Option, error) {
	opts := []fake.Option{
		fake.WithMiddleware(requestLogger(logger)),
		fake.WithMailer(func(m fake.Mail) {
			logger.Info().
				Str("to", m.To).
				Str("flow", m.Flow.String()).
				Str("code", m.Code).
				Str("link_token", m.LinkToken).
				Msg("verification mail")
		}),
	}
	if mockCode != "" {
		opts = append(opts, fake.WithVerificationCode(mockCode))
	}
	for _, entry := range mockUsers {
		opt, err := parseUser(entry)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	if mockNoSignup {
		cfg := fake.DefaultAuthConfig()
		cfg.EmailPassword.AllowRegister = false
		opts = append(opts, fake.WithAuthConfig(cfg))
	}
	return opts, nil
}

// parseUser reads an "email:password[:name]" account.
func parseUser(entry string) (fake.Option, error) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid user %q, want email:password[:name]", entry)
	}
	name := parts[0]
	if len(parts) == 3 && parts[2] != "" {
		name = parts[2]
	}
	return fake.WithUser(parts[0], parts[1], name), nil
}

// requestLogger logs every request with zerolog.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetHeader(api.RequestIDHeader)).
			Msg("request")
	}
}

func init() {
	rootCmd.AddCommand(mockCmd)
	mockCmd.Flags().StringVarP(&mockAddr, "addr", "a", ":8080", "Address to listen on")
	mockCmd.Flags().StringVar(&mockCode, "code", "", "Verification code every challenge accepts")
	mockCmd.Flags().StringArrayVarP(&mockUsers, "user", "u", nil, "Extra account as email:password[:name] (repeatable)")
	mockCmd.Flags().BoolVar(&mockNoSignup, "no-signup", false, "Disable registration")
}
