// Command tokengen mints bearer tokens for instructors and students
// against the configured signing key.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"qrattend/internal/auth"
	"qrattend/internal/config"
)

func main() {
	flags := pflag.NewFlagSet("tokengen", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML config file (default $CONFIG_FILE)")
	subject := flags.StringP("subject", "s", "", "instructor or student id")
	role := flags.StringP("role", "r", auth.RoleStudent, "instructor or student")
	ttl := flags.Duration("ttl", 0, "token lifetime (default $ACCESS_TTL)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *subject == "" {
		fmt.Fprintln(os.Stderr, "--subject is required")
		flags.PrintDefaults()
		os.Exit(2)
	}
	lifetime := cfg.AccessTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	tok, err := auth.Issue(*subject, *role, cfg.JWTIssuer, cfg.JWTSigningKey, lifetime, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "issue:", err)
		os.Exit(1)
	}
	fmt.Println(tok.AccessToken)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.ExpiresAt.Format(time.RFC3339))
}
