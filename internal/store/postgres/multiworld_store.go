package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/tcprescott/multiworldhost/internal/models"
	"github.com/tcprescott/multiworldhost/internal/store"
)

// MultiworldStore implements store.MultiworldStore using PostgreSQL.
// Upserts are durable on return; rows are only ever soft-deleted by
// flipping active to false.
type MultiworldStore struct {
	pool *pgxpool.Pool
}

// Config holds configuration for the PostgreSQL multiworld store.
type Config struct {
	Pool *PoolConfig

	// AutoMigrate runs pending migrations on startup.
	AutoMigrate bool
}

// NewMultiworldStore creates a new PostgreSQL-backed multiworld store.
// It establishes a connection pool and optionally runs migrations.
func NewMultiworldStore(ctx context.Context, cfg *Config) (*MultiworldStore, error) {
	pool, err := NewPool(ctx, cfg.Pool)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.Pool.MaxConns).
		Msg("Connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return &MultiworldStore{pool: pool}, nil
}

func (s *MultiworldStore) Start() error { return nil }

// Stop closes the connection pool.
func (s *MultiworldStore) Stop() error {
	s.pool.Close()
	log.Info().Msg("PostgreSQL multiworld store stopped")
	return nil
}

// Upsert writes or overwrites the record for mw.Token. The row's
// created_at is preserved across updates; updated_at always bumps.
func (s *MultiworldStore) Upsert(ctx context.Context, mw *models.Multiworld) error {
	metaJSON, err := marshalMeta(mw.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}

	query := `
		INSERT INTO multiworlds (
			token, port, noexpiry, admin, race, meta,
			multidata_url, password, active
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (token) DO UPDATE SET
			port = EXCLUDED.port,
			noexpiry = EXCLUDED.noexpiry,
			admin = EXCLUDED.admin,
			race = EXCLUDED.race,
			meta = EXCLUDED.meta,
			multidata_url = EXCLUDED.multidata_url,
			password = EXCLUDED.password,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	var createdAt, updatedAt time.Time
	err = s.pool.QueryRow(ctx, query,
		mw.Token,
		nullablePort(mw.Port),
		mw.NoExpiry,
		mw.Admin,
		mw.Race,
		metaJSON,
		nullableString(mw.MultidataURL),
		mw.Password,
		mw.Active,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		return mapPostgresError(err)
	}

	mw.CreatedAt = createdAt
	mw.UpdatedAt = updatedAt

	log.Debug().Str("token", mw.Token).Bool("active", mw.Active).Msg("Upserted multiworld")
	return nil
}

// Get returns the record for a token or store.ErrMultiworldNotFound.
func (s *MultiworldStore) Get(ctx context.Context, token string) (*models.Multiworld, error) {
	query := selectColumns + ` WHERE token = $1`

	mw, err := scanMultiworld(s.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrMultiworldNotFound
		}
		return nil, mapPostgresError(err)
	}
	return mw, nil
}

// List returns records ordered by creation time.
func (s *MultiworldStore) List(ctx context.Context, activeOnly bool) ([]*models.Multiworld, error) {
	query := selectColumns
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at ASC, token ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var out []*models.Multiworld
	for rows.Next() {
		mw, err := scanMultiworld(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		out = append(out, mw)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	return out, nil
}

// Deactivate marks a token inactive, bumping updated_at.
func (s *MultiworldStore) Deactivate(ctx context.Context, token string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE multiworlds
		SET active = FALSE, updated_at = NOW()
		WHERE token = $1
	`, token)
	if err != nil {
		return mapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return store.ErrMultiworldNotFound
	}

	log.Debug().Str("token", token).Msg("Deactivated multiworld")
	return nil
}

const selectColumns = `
	SELECT token, port, noexpiry, admin, race, meta,
	       multidata_url, password, created_at, updated_at, active
	FROM multiworlds`

func scanMultiworld(row pgx.Row) (*models.Multiworld, error) {
	var mw models.Multiworld
	var port *int32
	var metaJSON []byte
	var multidataURL *string

	err := row.Scan(
		&mw.Token,
		&port,
		&mw.NoExpiry,
		&mw.Admin,
		&mw.Race,
		&metaJSON,
		&multidataURL,
		&mw.Password,
		&mw.CreatedAt,
		&mw.UpdatedAt,
		&mw.Active,
	)
	if err != nil {
		return nil, err
	}

	if port != nil {
		mw.Port = int(*port)
	}
	if multidataURL != nil {
		mw.MultidataURL = *multidataURL
	}
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &mw.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal meta: %w", err)
		}
	}

	return &mw, nil
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	return json.Marshal(meta)
}

func nullablePort(port int) *int32 {
	if port == 0 {
		return nil
	}
	p := int32(port) // #nosec G115 - ports fit in int32
	return &p
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
