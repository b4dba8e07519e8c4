package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reelforge/internal/adapter/repo"
	"reelforge/internal/domain"
	"reelforge/internal/infra"
)

func main() {
	var (
		idFlag     string
		chatFlag   int64
		amountFlag int
	)
	flag.StringVar(&idFlag, "id", "", "user ID to credit (UUID)")
	flag.Int64Var(&chatFlag, "chat", 0, "chat ID of the user to credit; the user is created when missing")
	flag.IntVar(&amountFlag, "amount", 0, "credits to add (negative to revoke)")
	flag.Parse()

	userID := strings.TrimSpace(idFlag)
	if userID == "" && chatFlag == 0 {
		exitWithError(errors.New("either -id or -chat must be provided"))
	}
	if amountFlag == 0 {
		exitWithError(errors.New("-amount must be non-zero"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	users := repo.NewUserRepository(infra.NewSQLRunner(pool, logger), 0)

	if userID == "" {
		user, err := users.EnsureByChatID(ctx, chatFlag, "")
		if err != nil {
			exitWithError(fmt.Errorf("failed to resolve chat %d: %w", chatFlag, err))
		}
		userID = user.ID
	}

	balance, err := users.GrantCredits(ctx, userID, amountFlag)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		exitWithError(fmt.Errorf("user %s not found", userID))
	case errors.Is(err, domain.ErrInsufficientBalance):
		exitWithError(fmt.Errorf("revoking %d credits would overdraw user %s", -amountFlag, userID))
	case err != nil:
		exitWithError(fmt.Errorf("failed to update balance: %w", err))
	}

	fmt.Printf("User %s balance=%d (%+d)\n", userID, balance, amountFlag)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
