// Command token mints an operator API token signed with SECRET_KEY.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"payu-gateway/internal/auth"
	"payu-gateway/internal/config"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "operator the token is issued to")
	role := fs.String("role", auth.RoleAdmin, "role claim")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *subject == "" {
		return errors.New("-sub is required")
	}
	cfg := config.LoadConfig()
	if cfg.JWTSecret == "" {
		return errors.New("SECRET_KEY is not set")
	}

	token, err := auth.IssueOperatorToken([]byte(cfg.JWTSecret), *subject, *role, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
