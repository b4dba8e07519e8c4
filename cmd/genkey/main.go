package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reelforge/internal/infra"
	"reelforge/internal/infra/credentials"
	"reelforge/internal/rotator"
)

func main() {
	var (
		keyFlag    string
		proxyFlag  string
		removeFlag bool
		listFlag   bool
	)
	flag.StringVar(&keyFlag, "key", "", "KIE API key to add to the rotation pool (fallbacks to KIE_API_KEY)")
	flag.StringVar(&proxyFlag, "proxy", "", "proxy to add, ip:port:user:pass or a proxy URL")
	flag.BoolVar(&removeFlag, "remove", false, "remove -key from the pool instead of adding it")
	flag.BoolVar(&listFlag, "list", false, "print the stored keys and proxies (masked)")
	flag.Parse()

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(fmt.Errorf("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to create pool: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "genkey").Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	if listFlag {
		keys, err := store.GenerationKeys(ctx)
		if err != nil {
			exitWithError(fmt.Errorf("failed to load keys: %w", err))
		}
		proxies, err := store.Proxies(ctx)
		if err != nil {
			exitWithError(fmt.Errorf("failed to load proxies: %w", err))
		}
		fmt.Printf("keys (%d):\n", len(keys))
		for _, k := range keys {
			fmt.Println("  " + rotator.MaskSecret(k))
		}
		fmt.Printf("proxies (%d):\n", len(proxies))
		for _, p := range proxies {
			fmt.Println("  " + rotator.MaskProxy(p))
		}
		return
	}

	if proxy := strings.TrimSpace(proxyFlag); proxy != "" {
		if _, err := rotator.ParseProxy(proxy); err != nil {
			exitWithError(err)
		}
		added, err := store.AddProxy(ctx, proxy)
		if err != nil {
			exitWithError(fmt.Errorf("failed to persist proxy: %w", err))
		}
		report("proxy", rotator.MaskProxy(proxy), added, "stored")
		return
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("KIE_API_KEY"))
	}
	if key == "" {
		exitWithError(fmt.Errorf("KIE API key is required via -key or KIE_API_KEY"))
	}

	if removeFlag {
		removed, err := store.RemoveGenerationKey(ctx, key)
		if err != nil {
			exitWithError(fmt.Errorf("failed to remove key: %w", err))
		}
		report("key", rotator.MaskSecret(key), removed, "removed")
		return
	}

	added, err := store.AddGenerationKey(ctx, key)
	if err != nil {
		exitWithError(fmt.Errorf("failed to persist key: %w", err))
	}
	report("key", rotator.MaskSecret(key), added, "stored")
}

func report(what, masked string, changed bool, verb string) {
	if changed {
		fmt.Printf("%s %s %s successfully\n", what, masked, verb)
		return
	}
	fmt.Printf("%s %s unchanged\n", what, masked)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
