package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"parkwise/internal/domain"
	"parkwise/internal/models"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

type seedLot struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	Spaces   int    `yaml:"spaces"`
}

func loadSeed(path string) ([]seedLot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed struct {
		Lots []seedLot `yaml:"lots"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return seed.Lots, nil
}

// seedLots creates the lots listed in path that do not exist yet, matched
// by name. A missing file is not an error.
func seedLots(ctx context.Context, path string, lots domain.LotService, spaces domain.SpaceService, logger *zerolog.Logger) error {
	if path == "" {
		return nil
	}
	seed, err := loadSeed(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn().Str("seed_path", path).Msg("seed file not found, skipping")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Str("seed_path", path).Msg("read seed")
		return err
	}

	existing, err := lots.ListLots(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, lot := range existing {
		known[lot.Name] = true
	}

	for _, s := range seed {
		if known[s.Name] {
			continue
		}
		lot, err := lots.CreateLot(ctx, models.SystemActor, s.Name, s.Location)
		if err != nil {
			return fmt.Errorf("seed lot %q: %w", s.Name, err)
		}
		if s.Spaces > 0 {
			if _, err := spaces.CreateMultipleSpaces(ctx, models.SystemActor, lot.ID, 1, s.Spaces); err != nil {
				if _, ok := domain.AsReconcileError(err); !ok {
					return fmt.Errorf("seed spaces for %q: %w", s.Name, err)
				}
			}
		}
		logger.Info().Str("lot_id", lot.ID).Str("name", s.Name).Int("spaces", s.Spaces).Msg("lot seeded")
	}
	return nil
}
