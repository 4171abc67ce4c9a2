// Package store selects and seeds the persistence backend.
package store

import (
	"context"
	"fmt"
	"os"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Fixtures is the YAML seed file layout.
type Fixtures struct {
	Users         []domain.User         `yaml:"users"`
	Conversations []domain.Conversation `yaml:"conversations"`
}

func ParseFixtures(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for i, u := range f.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("%w: user #%d has no id", domain.ErrValidation, i)
		}
		if u.Role == "" {
			f.Users[i].Role = domain.RoleUser
		}
	}
	for i, c := range f.Conversations {
		if c.ID == "" || len(c.Participants) < 2 {
			return nil, fmt.Errorf("%w: conversation #%d needs an id and two participants", domain.ErrValidation, i)
		}
	}
	return &f, nil
}

// Apply writes the fixtures into s.
func (f *Fixtures) Apply(ctx context.Context, s core.Seeder) error {
	for _, u := range f.Users {
		if err := s.PutUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, c := range f.Conversations {
		if err := s.PutConversation(ctx, c); err != nil {
			return fmt.Errorf("seed conversation %s: %w", c.ID, err)
		}
	}
	return nil
}

// SeedFile loads fixtures from path into s. An empty path is a no-op.
func SeedFile(ctx context.Context, s core.Seeder, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	f, err := ParseFixtures(data)
	if err != nil {
		return err
	}
	if err := f.Apply(ctx, s); err != nil {
		return err
	}
	log.Info().Str("module", "store").Str("file", path).Int("users", len(f.Users)).Int("conversations", len(f.Conversations)).Msg("seed applied")
	return nil
}
