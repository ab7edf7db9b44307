// Command token mints bearer tokens for the chat bot that drives the API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/spec-kit/deploy-ticket-service/internal/auth"
	"github.com/spec-kit/deploy-ticket-service/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		client string
		scopes []string
		ttl    time.Duration
	)
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVar(&client, "client", "deploy-bot", "client name embedded in the token")
	flagSet.StringSliceVar(&scopes, "scope", []string{string(auth.ScopeTickets)}, "scopes to grant (tickets, admin)")
	flagSet.DurationVar(&ttl, "ttl", 0, "token lifetime (default AUTH_ACCESS_TOKEN_TTL_MINUTES)")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ttlMinutes := cfg.Auth.AccessTokenTTLMinutes
	if ttl > 0 {
		ttlMinutes = int(ttl / time.Minute)
	}

	granted := make([]auth.Scope, 0, len(scopes))
	for _, s := range scopes {
		scope := auth.Scope(s)
		if scope != auth.ScopeTickets && scope != auth.ScopeAdmin {
			return fmt.Errorf("unknown scope %q", s)
		}
		granted = append(granted, scope)
	}

	token, expiresAt, err := auth.NewTokenManager(cfg.Auth.JWTSecret, ttlMinutes).GenerateToken(client, granted...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
