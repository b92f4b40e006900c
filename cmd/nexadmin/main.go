package main

import (
	"NexLedger/internal/auth"
	"NexLedger/internal/lockdown"
	"NexLedger/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const usage = `Usage: nexadmin <command> [args]
  token <subject> <tier> [ttl]                 - mint a bearer token (tier: player|operator|admin|founder)
  lockdown status                              - show the lockdown state and recent transitions
  lockdown activate <level> <reason> [scope]   - engage a lockdown (level: partial|full|critical;
                                                 scope: comma-separated account ids)
  lockdown lift                                - lift the active lockdown
  integrity                                    - verify record digests and stored balances

Environment:
  NEX_JWT_SECRET     - signing secret shared with nexledger (at least 32 bytes)
  NEX_JWT_ISSUER     - token issuer (default: nexledger)
  NEX_ADMIN_URL      - nexledger HTTP address (default: http://localhost:8080)
  NEX_ADMIN_SUBJECT  - subject recorded as the initiator (default: $USER)`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	logger := observability.NewLogger("nexadmin")

	authority, err := auth.NewAuthority([]byte(os.Getenv("NEX_JWT_SECRET")), envOrDefault("NEX_JWT_ISSUER", "nexledger"))
	if err != nil {
		logger.Fatal().Err(err).Msg("NEX_JWT_SECRET")
	}
	c := &client{
		baseURL:   strings.TrimRight(envOrDefault("NEX_ADMIN_URL", "http://localhost:8080"), "/"),
		subject:   envOrDefault("NEX_ADMIN_SUBJECT", envOrDefault("USER", "nexadmin")),
		authority: authority,
		http:      &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := os.Args[2:]
	switch os.Args[1] {
	case "token":
		if len(args) < 2 {
			fail(usage)
		}
		tier, err := auth.ParseTier(args[1])
		if err != nil {
			logger.Fatal().Err(err).Msg("parse tier")
		}
		ttl := time.Hour
		if len(args) > 2 {
			if ttl, err = time.ParseDuration(args[2]); err != nil {
				logger.Fatal().Err(err).Msg("parse ttl")
			}
		}
		tok, err := authority.Issue(args[0], tier, ttl)
		if err != nil {
			logger.Fatal().Err(err).Msg("issue token")
		}
		fmt.Println(tok)

	case "lockdown":
		if len(args) < 1 {
			fail(usage)
		}
		err = c.lockdown(ctx, args[0], args[1:])

	case "integrity":
		err = c.do(ctx, http.MethodGet, "/v1/admin/integrity", auth.TierAdmin, nil)

	default:
		fail(fmt.Sprintf("unknown command: %s\n\n%s", os.Args[1], usage))
	}
	if err != nil {
		logger.Fatal().Err(err).Msg(os.Args[1])
	}
}

type client struct {
	baseURL   string
	subject   string
	authority *auth.Authority
	http      *http.Client
}

func (c *client) lockdown(ctx context.Context, sub string, args []string) error {
	switch sub {
	case "status":
		return c.do(ctx, http.MethodGet, "/v1/lockdown", auth.TierOperator, nil)
	case "activate":
		if len(args) < 2 {
			return fmt.Errorf("activate needs <level> <reason>")
		}
		cmd := lockdown.Command{Level: args[0], Reason: args[1]}
		if len(args) > 2 {
			for _, id := range strings.Split(args[2], ",") {
				if id = strings.TrimSpace(id); id != "" {
					cmd.Scope = append(cmd.Scope, id)
				}
			}
		}
		return c.do(ctx, http.MethodPost, "/v1/lockdown/activate", auth.TierFounder, cmd)
	case "lift":
		return c.do(ctx, http.MethodPost, "/v1/lockdown/lift", auth.TierFounder, nil)
	default:
		return fmt.Errorf("unknown lockdown command %q (status|activate|lift)", sub)
	}
}

// do sends one request with a short-lived token of the given tier and
// prints the response body.
func (c *client) do(ctx context.Context, method, path string, tier auth.Tier, body interface{}) error {
	tok, err := c.authority.Issue(c.subject, tier, time.Minute)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Println(strings.TrimSpace(string(raw)))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
