package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"reelforge/internal/infra"
	"reelforge/internal/middleware"
)

// apitoken mints bearer tokens for the chat front end (service role) or,
// for debugging, for a single user.
func main() {
	var (
		subjectFlag string
		roleFlag    string
		localeFlag  string
		ttlFlag     time.Duration
	)
	flag.StringVar(&subjectFlag, "subject", "chat-frontend", "token subject; a user ID for the user role")
	flag.StringVar(&roleFlag, "role", middleware.RoleService, "token role (service or user)")
	flag.StringVar(&localeFlag, "locale", "", "locale claim (en or ru)")
	flag.DurationVar(&ttlFlag, "ttl", 0, "token lifetime; 0 issues a non-expiring token")
	flag.Parse()

	role := strings.ToLower(strings.TrimSpace(roleFlag))
	if role != middleware.RoleService && role != middleware.RoleUser {
		exitWithError(fmt.Errorf("unsupported role %q", roleFlag))
	}
	subject := strings.TrimSpace(subjectFlag)
	if subject == "" {
		exitWithError(fmt.Errorf("-subject is required"))
	}

	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		cfg, err := infra.LoadConfig()
		if err != nil {
			exitWithError(err)
		}
		if err := cfg.RequireJWT(); err != nil {
			exitWithError(err)
		}
		secret = cfg.JWTSecret
	}

	token, err := middleware.SignJWT(secret, subject, role, localeFlag, ttlFlag)
	if err != nil {
		exitWithError(err)
	}
	fmt.Println(token)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
