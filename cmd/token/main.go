// Command token mints a development access token for a user.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dkeye/Callbox/internal/auth"
	"github.com/dkeye/Callbox/internal/config"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	var (
		userID = pflag.StringP("user", "u", "", "user id (token subject)")
		email  = pflag.StringP("email", "e", "", "email claim")
		role   = pflag.StringP("role", "r", string(domain.RoleUser), "role claim: USER, ADMIN or SUPER_ADMIN")
		ttl    = pflag.Duration("ttl", 0, "token lifetime, defaults to jwt.ttl from config")
	)
	pflag.Parse()

	if *userID == "" {
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	lifetime := cfg.JWT.TTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	tm := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, lifetime)
	token, err := tm.Generate(domain.User{ID: domain.UserID(*userID), Email: *email, Role: domain.Role(*role)})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to sign token")
	}
	fmt.Println(token)
}
