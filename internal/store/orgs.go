package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/linktally/linktally/internal/lterrors"
	"github.com/linktally/linktally/internal/model"
)

// OrgRepo manages organisations, collections and URL patterns.
type OrgRepo struct {
	s *Store
}

// CreateOrganisation inserts an organisation and returns its id.
func (r *OrgRepo) CreateOrganisation(ctx context.Context, name string) (int64, error) {
	res, err := r.s.db.ExecContext(ctx, "INSERT INTO organisations (name) VALUES (?)", name)
	if err != nil {
		return 0, fmt.Errorf("store: failed to insert organisation: %w", err)
	}
	return res.LastInsertId()
}

// DeleteOrganisation removes an organisation. Its collections survive as
// orphans and are skipped by the daily aggregator.
func (r *OrgRepo) DeleteOrganisation(ctx context.Context, id int64) error {
	if _, err := r.s.db.ExecContext(ctx, "DELETE FROM organisations WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: failed to delete organisation: %w", err)
	}
	return nil
}

// OrganisationExists reports whether the organisation is present.
func (r *OrgRepo) OrganisationExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := r.s.readDB.QueryRowContext(ctx, "SELECT 1 FROM organisations WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: failed to check organisation: %w", err)
	}
	return true, nil
}

// CreateCollection inserts a collection for an organisation.
func (r *OrgRepo) CreateCollection(ctx context.Context, organisationID int64, name string) (int64, error) {
	res, err := r.s.db.ExecContext(ctx,
		"INSERT INTO collections (organisation_id, name) VALUES (?, ?)", organisationID, name)
	if err != nil {
		return 0, fmt.Errorf("store: failed to insert collection: %w", err)
	}
	return res.LastInsertId()
}

// AddURLPattern attaches a link pattern to a collection.
func (r *OrgRepo) AddURLPattern(ctx context.Context, collectionID int64, pattern string) (int64, error) {
	res, err := r.s.db.ExecContext(ctx,
		"INSERT INTO url_patterns (collection_id, pattern) VALUES (?, ?)", collectionID, pattern)
	if err != nil {
		return 0, fmt.Errorf("store: failed to insert url pattern: %w", err)
	}
	return res.LastInsertId()
}

// ListCollections returns all collections, or exactly the named subset
// when ids are given. A missing explicit id is a NOT_FOUND error, not a
// skip.
func (r *OrgRepo) ListCollections(ctx context.Context, ids ...int64) ([]*model.Collection, error) {
	query := "SELECT id, organisation_id, name FROM collections"
	var args []interface{}
	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		query += fmt.Sprintf(" WHERE id IN (%s)", placeholders)
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += " ORDER BY id"

	rows, err := r.s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list collections: %w", err)
	}
	defer rows.Close()

	var collections []*model.Collection
	seen := make(map[int64]bool)
	for rows.Next() {
		c := &model.Collection{}
		if err := rows.Scan(&c.ID, &c.OrganisationID, &c.Name); err != nil {
			return nil, fmt.Errorf("store: failed to scan collection: %w", err)
		}
		collections = append(collections, c)
		seen[c.ID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate collections: %w", err)
	}

	for _, id := range ids {
		if !seen[id] {
			return nil, lterrors.Newf(lterrors.CategoryNotFound, lterrors.CodeCollectionNotFound,
				"collection %d does not exist", id)
		}
	}
	return collections, nil
}

// CollectionsByOrganisation returns the organisation's collections.
func (r *OrgRepo) CollectionsByOrganisation(ctx context.Context, organisationID int64) ([]*model.Collection, error) {
	rows, err := r.s.readDB.QueryContext(ctx,
		"SELECT id, organisation_id, name FROM collections WHERE organisation_id = ? ORDER BY id",
		organisationID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list collections: %w", err)
	}
	defer rows.Close()

	var collections []*model.Collection
	for rows.Next() {
		c := &model.Collection{}
		if err := rows.Scan(&c.ID, &c.OrganisationID, &c.Name); err != nil {
			return nil, fmt.Errorf("store: failed to scan collection: %w", err)
		}
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

// PatternsByOrganisation returns every URL pattern across the
// organisation's collections. The reaggregator matches archived event
// links against these.
func (r *OrgRepo) PatternsByOrganisation(ctx context.Context, organisationID int64) ([]*model.URLPattern, error) {
	exists, err := r.OrganisationExists(ctx, organisationID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, lterrors.Newf(lterrors.CategoryNotFound, lterrors.CodeOrganisationNotFound,
			"organisation %d does not exist", organisationID)
	}

	rows, err := r.s.readDB.QueryContext(ctx, `
		SELECT p.id, p.collection_id, p.pattern
		FROM url_patterns p
		JOIN collections c ON c.id = p.collection_id
		WHERE c.organisation_id = ?
		ORDER BY p.id`, organisationID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list url patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*model.URLPattern
	for rows.Next() {
		p := &model.URLPattern{}
		if err := rows.Scan(&p.ID, &p.CollectionID, &p.Pattern); err != nil {
			return nil, fmt.Errorf("store: failed to scan url pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
