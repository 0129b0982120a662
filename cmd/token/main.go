package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"crm-draft-queue/internal/config"
	"crm-draft-queue/internal/infra/web"
)

// Prints an admin API token for one mailbox owner.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	owner := flag.String("owner", "", "owner id to put in the token subject")
	ttl := flag.Duration("ttl", 0, "token lifetime (default admin.token_ttl)")
	flag.Parse()

	if *owner == "" {
		log.Fatal("-owner is required")
	}
	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lifetime := cfg.Admin.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	tok, err := web.NewAuthManager(cfg.Admin.JWTSecret, lifetime).Mint(*owner)
	if err != nil {
		log.Fatalf("mint: %v", err)
	}
	fmt.Println(tok)
	log.Printf("token for %s expires at %s", *owner, time.Now().Add(lifetime).UTC().Format(time.RFC3339))
}
