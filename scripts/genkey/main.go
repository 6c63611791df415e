// genkey generates the secrets prism needs at deploy time.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//	go run scripts/genkey/main.go -api-key <operator key>
//
// Without flags it prints a fresh random value for PRISM_JWT_SECRET.
// With -api-key it additionally prints the argon2id hash to set as
// PRISM_ADMIN_API_KEY_HASH. The plaintext key is never stored; keep it
// in your operator's secret manager.
//
// The server falls back to an ephemeral JWT secret when PRISM_JWT_SECRET
// is unset, but that invalidates all issued tokens on every restart.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/fencio-dev/prism/internal/auth"
)

func main() {
	apiKey := flag.String("api-key", "", "operator API key to hash for PRISM_ADMIN_API_KEY_HASH")
	flag.Parse()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("PRISM_JWT_SECRET=%s\n", base64.RawStdEncoding.EncodeToString(secret))

	if *apiKey != "" {
		hash, err := auth.HashAPIKey(*apiKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: hash api key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PRISM_ADMIN_API_KEY_HASH=%s\n", hash)
	}
}
