package store

import (
	"context"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// Pricing returns the per-model rate cards seeded by migration. Models
// without a row are simply absent from the table; cost computation then
// falls back to the agent-reported cost only.
func (s *Store) Pricing(ctx context.Context) (models.PricingTable, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT model, input_per_mtok, output_per_mtok,
		       cache_read_per_mtok, cache_creation_per_mtok
		FROM model_pricing`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	table := make(models.PricingTable)
	for rows.Next() {
		var p models.ModelPricing
		if err := rows.Scan(&p.Model, &p.InputPerMTok, &p.OutputPerMTok,
			&p.CacheReadPerMTok, &p.CacheCreationPerMTok); err != nil {
			return nil, mapError(err)
		}
		table[p.Model] = p
	}
	return table, mapError(rows.Err())
}

// SetPricing upserts one model's rate card.
func (s *Store) SetPricing(ctx context.Context, p models.ModelPricing) error {
	if !p.Model.Valid() {
		return NewValidationError("model", "unknown model")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_pricing (model, input_per_mtok, output_per_mtok,
			cache_read_per_mtok, cache_creation_per_mtok)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (model) DO UPDATE SET
			input_per_mtok = EXCLUDED.input_per_mtok,
			output_per_mtok = EXCLUDED.output_per_mtok,
			cache_read_per_mtok = EXCLUDED.cache_read_per_mtok,
			cache_creation_per_mtok = EXCLUDED.cache_creation_per_mtok`,
		p.Model, p.InputPerMTok, p.OutputPerMTok,
		p.CacheReadPerMTok, p.CacheCreationPerMTok)
	return mapError(err)
}
