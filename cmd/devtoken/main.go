// Command devtoken prints an access token for local testing. It refuses to
// run when APP_MODE=prod.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/domain"
	"spsc-transferflow/internal/pkg/jwt"
)

func main() {
	userID := flag.Uint("user", 1, "user id")
	role := flag.String("role", string(domain.RoleUser), "USER | OFFICER | ADMIN")
	minutes := flag.Int("minutes", 60, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}
	if cfg.IsProd() {
		log.Fatal("❌ devtoken is disabled in prod mode")
	}

	r := domain.Role(strings.ToUpper(*role))
	if r != domain.RoleUser && r != domain.RoleOfficer && r != domain.RoleAdmin {
		log.Fatalf("❌ Unknown role %q", *role)
	}

	token, err := jwt.GenerateAccessToken(*userID, string(r), cfg.JWT.Secret, *minutes)
	if err != nil {
		log.Fatalf("❌ Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
