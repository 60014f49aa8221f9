//go:build ignore

// Generates a bearer token for the forced-action admin endpoints
// (POST /api/v1/refund/{swap_id}).
//
// The token is signed with auth.admin_secret from the config file, so
// the relayer it targets must run with the same secret.
//
// Run: go run scripts/generate-admin-token.go -config config.yaml -subject ops@example.com
//
// Then:
//   curl -X POST http://localhost:8081/api/v1/refund/<swap_id> \
//     -H "Authorization: Bearer <token>"

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/auth"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	subject := flag.String("subject", "operator", "Subject recorded in audit logs for forced actions")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	admin := auth.NewAdmin(cfg.Auth, zap.NewNop())
	if !admin.Enabled() {
		fmt.Fprintln(os.Stderr, "auth.admin_secret is empty in the config; set it (or RELAYER_ADMIN_SECRET) first")
		os.Exit(1)
	}

	token, err := admin.IssueToken(*subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error issuing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Relayer Admin Token ===")
	fmt.Println()
	fmt.Printf("Subject: %s\n", *subject)
	fmt.Printf("Expires: %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
	fmt.Println()
	fmt.Println(token)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  curl -X POST http://localhost:%d/api/v1/refund/<swap_id> \\\n", cfg.Server.Port)
	fmt.Println("    -H \"Authorization: Bearer $TOKEN\"")
}
