// Package cli implements the chatctl commands: a terminal client that
// watches one conversation live, and a load generator for the server.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"go-chat-sync/internal/client"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultServer = "http://localhost:8080"

type globalOptions struct {
	server  string
	verbose bool
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "Terminal client and load generator for the chat server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	server := defaultServer
	if v, ok := os.LookupEnv("CHAT_SERVER"); ok && v != "" {
		server = v
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", server, "Base URL of the chat server (env CHAT_SERVER)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log socket and protocol details to stderr")

	rootCmd.AddCommand(
		newWatchCmd(opts),
		newLoadtestCmd(opts),
	)
	return rootCmd
}

func (o *globalOptions) logger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if o.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// login authenticates api, registering the account first when asked. An
// account that already exists is not an error.
func login(ctx context.Context, api *client.API, username, password string, register bool) (*client.LoginResult, error) {
	creds := client.Credentials{Username: username, Password: password}
	if register {
		if err := api.Register(ctx, creds); err != nil {
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
				return nil, fmt.Errorf("register %s: %w", username, err)
			}
		}
	}
	me, err := api.Login(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	return me, nil
}
