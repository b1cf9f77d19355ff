package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/skylight-sec/skylight/internal/models"
)

// ReplaceChains invalidates prior chains touching any of the given
// automations and writes the replacements, all in one transaction so
// readers never observe a half-replaced chain set.
func (s *Store) ReplaceChains(ctx context.Context, orgID string, touched []string, chains []models.CorrelationChain) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if len(touched) > 0 {
			q := `SELECT DISTINCT chain_id FROM chain_members WHERE automation_id IN (`
			args := make([]any, 0, len(touched))
			for i, id := range touched {
				if i > 0 {
					q += ","
				}
				q += "?"
				args = append(args, id)
			}
			q += `)`

			rows, err := tx.QueryContext(ctx, q, args...)
			if err != nil {
				return err
			}
			var stale []string
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				stale = append(stale, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, id := range stale {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM correlation_chains WHERE id = ? AND organization_id = ?`, id, orgID); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `DELETE FROM chain_members WHERE chain_id = ?`, id); err != nil {
					return err
				}
			}
		}

		for _, c := range chains {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO correlation_chains
					(id, organization_id, correlation_type, supporting_types, confidence, cross_platform, description, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.OrganizationID, string(c.Type), marshalJSON(c.SupportingTypes, "[]"),
				c.Confidence, boolInt(c.CrossPlatformChain), c.Description, c.CreatedAt.Unix())
			if err != nil {
				return err
			}
			for _, automationID := range c.AutomationIDs {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO chain_members (chain_id, automation_id) VALUES (?, ?)`,
					c.ID, automationID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ListChains returns a tenant's correlation chains with their members.
func (s *Store) ListChains(ctx context.Context, orgID string) ([]models.CorrelationChain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, correlation_type, supporting_types, confidence, cross_platform, description, created_at
		FROM correlation_chains WHERE organization_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []models.CorrelationChain
	for rows.Next() {
		var c models.CorrelationChain
		var typ, supporting string
		var crossPlatform int
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.OrganizationID, &typ, &supporting, &c.Confidence,
			&crossPlatform, &c.Description, &createdAt); err != nil {
			return nil, err
		}
		c.Type = models.CorrelationType(typ)
		if err := json.Unmarshal([]byte(supporting), &c.SupportingTypes); err != nil {
			return nil, err
		}
		c.CrossPlatformChain = crossPlatform != 0
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		chains = append(chains, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range chains {
		members, err := s.chainMembers(ctx, chains[i].ID)
		if err != nil {
			return nil, err
		}
		chains[i].AutomationIDs = members
	}
	return chains, nil
}

func (s *Store) chainMembers(ctx context.Context, chainID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT automation_id FROM chain_members WHERE chain_id = ? ORDER BY automation_id`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
