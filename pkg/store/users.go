package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/lnvpsd/pkg/model"
)

// UpsertUser creates or updates a User keyed by email (spec.md §4.7
// "upsert_user").
func (s *Store) UpsertUser(ctx context.Context, u model.User) (model.User, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (email, country_code)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET country_code = EXCLUDED.country_code
		RETURNING id`,
		u.Email, u.CountryCode,
	).Scan(&u.ID)
	if err != nil {
		return model.User{}, fmt.Errorf("upserting user: %w", err)
	}
	return u, nil
}

// GetUser returns a User by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	var u model.User
	err := s.db.QueryRow(ctx, `SELECT id, email, country_code FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.CountryCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

// GetUserSshKey returns a UserSshKey by id.
func (s *Store) GetUserSshKey(ctx context.Context, id uuid.UUID) (model.UserSshKey, error) {
	var k model.UserSshKey
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, name, public_key FROM user_ssh_keys WHERE id = $1`, id).
		Scan(&k.ID, &k.UserID, &k.Name, &k.PublicKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.UserSshKey{}, ErrNotFound
	}
	if err != nil {
		return model.UserSshKey{}, fmt.Errorf("getting ssh key: %w", err)
	}
	return k, nil
}

// GetVmOsImage returns a VmOsImage by id.
func (s *Store) GetVmOsImage(ctx context.Context, id uuid.UUID) (model.VmOsImage, error) {
	var img model.VmOsImage
	err := s.db.QueryRow(ctx,
		`SELECT id, name, url, enabled FROM vm_os_images WHERE id = $1`, id).
		Scan(&img.ID, &img.Name, &img.URL, &img.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VmOsImage{}, ErrNotFound
	}
	if err != nil {
		return model.VmOsImage{}, fmt.Errorf("getting os image: %w", err)
	}
	return img, nil
}
