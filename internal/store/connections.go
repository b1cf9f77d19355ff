package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

// CreateConnection inserts a connection, optionally with its encrypted
// credentials in the same transaction so a connected row never exists
// without a credential row.
func (s *Store) CreateConnection(ctx context.Context, conn models.PlatformConnection, creds *models.EncryptedCredentials) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connections
				(id, organization_id, platform, platform_user_id, workspace_name, workspace_id,
				 status, scopes, health, created_at, updated_at, last_discovery)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conn.ID, conn.OrganizationID, string(conn.Platform), conn.PlatformUserID,
			conn.WorkspaceName, conn.WorkspaceID, string(conn.Status),
			marshalJSON(conn.Scopes, "[]"), marshalJSON(conn.Health, "{}"),
			conn.CreatedAt.Unix(), conn.UpdatedAt.Unix(), unixOrNil(conn.LastDiscovery))
		if err != nil {
			return err
		}
		if creds != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO credentials (connection_id, ciphertext, key_version, updated_at)
				VALUES (?, ?, ?, ?)`,
				creds.ConnectionID, creds.Ciphertext, creds.KeyVersion, creds.UpdatedAt.Unix())
		}
		return err
	})
}

// ReplaceConnection rewrites a connection's mutable identity fields and its
// credentials in one transaction. Used when an OAuth handshake binds the
// pending row to the authorizing platform user.
func (s *Store) ReplaceConnection(ctx context.Context, conn models.PlatformConnection, creds *models.EncryptedCredentials) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE connections
			SET platform_user_id = ?, workspace_name = ?, workspace_id = ?,
			    status = ?, scopes = ?, updated_at = ?
			WHERE id = ?`,
			conn.PlatformUserID, conn.WorkspaceName, conn.WorkspaceID,
			string(conn.Status), marshalJSON(conn.Scopes, "[]"),
			conn.UpdatedAt.Unix(), conn.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.Newf(apperr.KindNotFound, "store.replace_connection",
				"connection %s not found", conn.ID)
		}
		if creds != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO credentials (connection_id, ciphertext, key_version, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(connection_id) DO UPDATE SET
					ciphertext = excluded.ciphertext,
					key_version = excluded.key_version,
					updated_at = excluded.updated_at`,
				creds.ConnectionID, creds.Ciphertext, creds.KeyVersion, creds.UpdatedAt.Unix())
		}
		return err
	})
}

func scanConnection(scan func(dest ...any) error) (models.PlatformConnection, error) {
	var conn models.PlatformConnection
	var platform, status, scopes, health string
	var createdAt, updatedAt int64
	var lastDiscovery sql.NullInt64
	if err := scan(&conn.ID, &conn.OrganizationID, &platform, &conn.PlatformUserID,
		&conn.WorkspaceName, &conn.WorkspaceID, &status, &scopes, &health,
		&createdAt, &updatedAt, &lastDiscovery); err != nil {
		return models.PlatformConnection{}, err
	}
	conn.Platform = models.Platform(platform)
	conn.Status = models.ConnectionStatus(status)
	if err := json.Unmarshal([]byte(scopes), &conn.Scopes); err != nil {
		return models.PlatformConnection{}, err
	}
	if err := json.Unmarshal([]byte(health), &conn.Health); err != nil {
		return models.PlatformConnection{}, err
	}
	conn.CreatedAt = time.Unix(createdAt, 0).UTC()
	conn.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	conn.LastDiscovery = timePtr(lastDiscovery)
	return conn, nil
}

const connectionColumns = `id, organization_id, platform, platform_user_id, workspace_name,
	workspace_id, status, scopes, health, created_at, updated_at, last_discovery`

// GetConnection fetches a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (models.PlatformConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	conn, err := scanConnection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PlatformConnection{}, apperr.Newf(apperr.KindNotFound, "store.connections.get", "connection %s not found", id)
	}
	return conn, err
}

// FindConnection looks up a connection by its natural key.
func (s *Store) FindConnection(ctx context.Context, orgID string, platform models.Platform, platformUserID string) (models.PlatformConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE organization_id = ? AND platform = ? AND platform_user_id = ?`,
		orgID, string(platform), platformUserID)
	conn, err := scanConnection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PlatformConnection{}, apperr.Newf(apperr.KindNotFound, "store.connections.find", "connection not found")
	}
	return conn, err
}

// ListConnections returns all connections for a tenant.
func (s *Store) ListConnections(ctx context.Context, orgID string) ([]models.PlatformConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE organization_id = ? ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []models.PlatformConnection
	for rows.Next() {
		conn, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// ListConnectionsByStatus returns every connection in the given status
// across tenants, used by the health-check and refresh schedulers.
func (s *Store) ListConnectionsByStatus(ctx context.Context, status models.ConnectionStatus) ([]models.PlatformConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE status = ?`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []models.PlatformConnection
	for rows.Next() {
		conn, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// UpdateConnectionStatus persists a state transition, optionally replacing
// credentials (refresh) or deleting them (disconnect) in the same
// transaction.
func (s *Store) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, creds *models.EncryptedCredentials, dropCreds bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE connections SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().Unix(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.Newf(apperr.KindNotFound, "store.connections.update", "connection %s not found", id)
		}
		if creds != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO credentials (connection_id, ciphertext, key_version, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(connection_id) DO UPDATE SET
					ciphertext = excluded.ciphertext,
					key_version = excluded.key_version,
					updated_at = excluded.updated_at`,
				creds.ConnectionID, creds.Ciphertext, creds.KeyVersion, creds.UpdatedAt.Unix())
			if err != nil {
				return err
			}
		}
		if dropCreds {
			if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE connection_id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateConnectionHealth persists a health snapshot.
func (s *Store) UpdateConnectionHealth(ctx context.Context, id string, health models.ConnectionHealth) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET health = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(health, "{}"), time.Now().Unix(), id)
	return err
}

// UpdateConnectionScopes replaces the granted scope list.
func (s *Store) UpdateConnectionScopes(ctx context.Context, id string, scopes []string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET scopes = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(scopes, "[]"), time.Now().Unix(), id)
	return err
}

// TouchConnectionDiscovery records the completion time of the last run.
func (s *Store) TouchConnectionDiscovery(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET last_discovery = ?, updated_at = ? WHERE id = ?`,
		at.Unix(), time.Now().Unix(), id)
	return err
}

// PutCredentials implements crypto.CredentialStore.
func (s *Store) PutCredentials(ctx context.Context, rec models.EncryptedCredentials) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (connection_id, ciphertext, key_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at`,
		rec.ConnectionID, rec.Ciphertext, rec.KeyVersion, rec.UpdatedAt.Unix())
	return err
}

// GetCredentials implements crypto.CredentialStore.
func (s *Store) GetCredentials(ctx context.Context, connectionID string) (models.EncryptedCredentials, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT connection_id, ciphertext, key_version, updated_at FROM credentials WHERE connection_id = ?`,
		connectionID)

	var rec models.EncryptedCredentials
	var updatedAt int64
	if err := row.Scan(&rec.ConnectionID, &rec.Ciphertext, &rec.KeyVersion, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EncryptedCredentials{}, apperr.Newf(apperr.KindNotFound, "store.credentials.get", "no credentials for connection %s", connectionID)
		}
		return models.EncryptedCredentials{}, err
	}
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return rec, nil
}

// DeleteCredentials implements crypto.CredentialStore.
func (s *Store) DeleteCredentials(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE connection_id = ?`, connectionID)
	return err
}
