package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"reelforge/internal/infra"
	"reelforge/internal/sqlinline"
)

const (
	ProviderKIE     = "kie"
	ProviderProxies = "proxies"
)

// Store keeps operator-managed secrets in integration_tokens. List-valued
// providers are stored one entry per line.
type Store struct {
	sql infra.SQLExecutor
	now func() time.Time
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql, now: time.Now}
}

// GenerationKeys returns the stored KIE API keys in insertion order.
func (s *Store) GenerationKeys(ctx context.Context) ([]string, error) {
	return s.list(ctx, ProviderKIE)
}

// AddGenerationKey appends key unless it is already stored. It reports
// whether the list changed.
func (s *Store) AddGenerationKey(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("kie api key is required")
	}
	return s.add(ctx, ProviderKIE, key)
}

// RemoveGenerationKey drops key from the stored list.
func (s *Store) RemoveGenerationKey(ctx context.Context, key string) (bool, error) {
	return s.remove(ctx, ProviderKIE, strings.TrimSpace(key))
}

// Proxies returns stored proxy lines in "ip:port:user:pass" form.
func (s *Store) Proxies(ctx context.Context) ([]string, error) {
	return s.list(ctx, ProviderProxies)
}

func (s *Store) AddProxy(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, errors.New("proxy line is required")
	}
	return s.add(ctx, ProviderProxies, line)
}

func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) list(ctx context.Context, provider string) ([]string, error) {
	token, err := s.Token(ctx, provider)
	if err != nil {
		return nil, err
	}
	return splitEntries(token), nil
}

func (s *Store) add(ctx context.Context, provider, entry string) (bool, error) {
	entries, err := s.list(ctx, provider)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e == entry {
			return false, nil
		}
	}
	entries = append(entries, entry)
	return true, s.save(ctx, provider, entries)
}

func (s *Store) remove(ctx context.Context, provider, entry string) (bool, error) {
	entries, err := s.list(ctx, provider)
	if err != nil {
		return false, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e != entry {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return false, nil
	}
	if len(kept) == 0 {
		_, err = s.sql.Exec(ctx, sqlinline.QDeleteIntegrationToken, provider)
		return true, err
	}
	return true, s.save(ctx, provider, kept)
}

func (s *Store) save(ctx context.Context, provider string, entries []string) error {
	raw, err := json.Marshal(map[string]any{
		"count":      len(entries),
		"updated_by": "genkey",
		"updated_at": s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, strings.Join(entries, "\n"), raw)
	return err
}

func splitEntries(token string) []string {
	var out []string
	for _, line := range strings.Split(token, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
