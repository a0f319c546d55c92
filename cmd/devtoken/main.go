// Command devtoken prints a signed access token for local testing against
// the API. Production tokens come from the identity provider.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/ampline/fieldtest-api/internal/models"
	"github.com/ampline/fieldtest-api/internal/service"
	"github.com/ampline/fieldtest-api/pkg/config"
)

func main() {
	userID := flag.String("user", "dev-technician", "user id placed in the token subject")
	role := flag.String("role", string(models.RoleTechnician), "ADMIN, SUPERVISOR, REVIEWER or TECHNICIAN")
	email := flag.String("email", "", "optional email claim")
	name := flag.String("name", "", "optional full name claim")
	flag.Parse()

	userRole := models.UserRole(*role)
	if !userRole.Valid() {
		log.Fatalf("unknown role %q", *role)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Env == config.EnvProduction {
		log.Fatal("refusing to issue development tokens in production")
	}

	tokens := service.NewTokenService(service.TokenConfig{
		Secret: cfg.JWT.Secret,
		Issuer: cfg.JWT.Issuer,
		Expiry: cfg.JWT.Expiration,
	})
	token, expiresAt, err := tokens.Issue(*userID, userRole, *email, *name)
	if err != nil {
		log.Fatalf("failed to sign token: %v", err)
	}
	fmt.Println(token)
	log.Printf("expires at %s", expiresAt.Format("2006-01-02 15:04:05Z07:00"))
}
