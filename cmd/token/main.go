package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/auth"
	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// token mints an operator token from the deployment master key, or
// prints the claims of an existing one.
func main() {
	keyB64 := flag.String("key", os.Getenv("SECRET_KEY"), "Base64-encoded master key (default $SECRET_KEY)")
	agentID := flag.String("agent", "operator", "Agent id the token is issued to")
	name := flag.String("name", "", "Agent name (defaults to the agent id)")
	admin := flag.Bool("admin", false, "Grant admin on every resource")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	inspect := flag.String("inspect", "", "Verify a token and print its claims instead of minting")
	flag.Parse()

	if *keyB64 == "" {
		fmt.Fprintln(os.Stderr, "Usage: token -key <master-key-base64> [-agent id] [-admin] [-ttl 1h]")
		fmt.Fprintln(os.Stderr, "       token -key <master-key-base64> -inspect <token>")
		os.Exit(1)
	}

	master, err := crypto.ParseMasterKey(strings.TrimSpace(*keyB64))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid master key: %v\n", err)
		os.Exit(1)
	}
	signingKey, err := crypto.TokenSigningKey(master)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Deriving signing key: %v\n", err)
		os.Exit(1)
	}
	engine := auth.New(signingKey, clock.Real(), zerolog.Nop())

	if *inspect != "" {
		claims := engine.VerifyToken(*inspect)
		if claims == nil {
			fmt.Fprintln(os.Stderr, "Token is invalid or expired")
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(claims, "", "  ")
		fmt.Println(string(out))
		return
	}

	perms := auth.DefaultPermissions()
	if *admin {
		perms = auth.AdminPermissions()
	}
	if *name == "" {
		*name = *agentID
	}

	token, expiresAt, err := engine.IssueToken(*agentID, *name, perms, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Authorization: Bearer %s\n", token)
	fmt.Printf("Expires: %s\n", expiresAt.UTC().Format(time.RFC3339))
	fmt.Printf("Permissions: %s\n", describe(perms))
}

func describe(perms []models.Permission) string {
	parts := make([]string, 0, len(perms))
	for _, p := range perms {
		actions := make([]string, 0, len(p.Actions))
		for _, a := range p.Actions {
			actions = append(actions, string(a))
		}
		parts = append(parts, p.Resource+"="+strings.Join(actions, "|"))
	}
	return strings.Join(parts, " ")
}
