package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type Park struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	District  string    `json:"district"`
	CreatedAt time.Time `json:"createdAt"`
}

type Asset struct {
	ID        int64     `json:"id"`
	ParkID    int64     `json:"parkId"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

type ParksStore interface {
	CreatePark(ctx context.Context, park *Park) (int64, error)
	GetPark(ctx context.Context, id int64) (*Park, error)
	ListParks(ctx context.Context, search string) ([]Park, error)
	CreateAsset(ctx context.Context, asset *Asset) (int64, error)
	GetAsset(ctx context.Context, id int64) (*Asset, error)
	ListAssets(ctx context.Context, parkID int64) ([]Asset, error)
}

type parksStore struct {
	db *DB
}

func NewParksStore(db *DB) ParksStore {
	return &parksStore{db: db}
}

func (s *parksStore) CreatePark(ctx context.Context, park *Park) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO parks(name, district, created_at) VALUES(?,?,?) RETURNING id`,
		strings.TrimSpace(park.Name), strings.TrimSpace(park.District), now).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	park.ID = id
	park.CreatedAt = now
	return id, nil
}

func (s *parksStore) GetPark(ctx context.Context, id int64) (*Park, error) {
	var p Park
	err := s.db.QueryRowContext(ctx, `SELECT id, name, district, created_at FROM parks WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.District, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *parksStore) ListParks(ctx context.Context, search string) ([]Park, error) {
	query := `SELECT id, name, district, created_at FROM parks`
	var args []any
	if q := strings.ToLower(strings.TrimSpace(search)); q != "" {
		query += ` WHERE LOWER(name) LIKE ? ESCAPE '\' OR LOWER(district) LIKE ? ESCAPE '\'`
		args = append(args, containsPattern(q), containsPattern(q))
	}
	query += ` ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Park{}
	for rows.Next() {
		var p Park
		if err := rows.Scan(&p.ID, &p.Name, &p.District, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *parksStore) CreateAsset(ctx context.Context, asset *Asset) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO assets(park_id, name, kind, created_at) VALUES(?,?,?,?) RETURNING id`,
		asset.ParkID, strings.TrimSpace(asset.Name), strings.TrimSpace(asset.Kind), now).Scan(&id)
	if err != nil {
		return 0, err
	}
	asset.ID = id
	asset.CreatedAt = now
	return id, nil
}

func (s *parksStore) GetAsset(ctx context.Context, id int64) (*Asset, error) {
	var a Asset
	err := s.db.QueryRowContext(ctx, `SELECT id, park_id, name, kind, created_at FROM assets WHERE id=?`, id).
		Scan(&a.ID, &a.ParkID, &a.Name, &a.Kind, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func (s *parksStore) ListAssets(ctx context.Context, parkID int64) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, park_id, name, kind, created_at FROM assets WHERE park_id=? ORDER BY name ASC`, parkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Asset{}
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.ParkID, &a.Name, &a.Kind, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		res = append(res, a)
	}
	return res, rows.Err()
}
