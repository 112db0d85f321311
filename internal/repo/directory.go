package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"workdesk/internal/db"
	"workdesk/internal/domain"
)

// InsertProfile registers a directory user. Worker profiles need their trade
// details filled in.
func (r Repo) InsertProfile(ctx context.Context, p domain.Profile) error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
		return errors.New("id and name required")
	}
	if !p.Role.Valid() {
		return fmt.Errorf("invalid role %q", p.Role)
	}
	if p.Role == domain.RoleWorker && (p.WorkType == "" || p.Location == "" || p.YearsExperience <= 0) {
		return errors.New("work type, location and years of experience are required for workers")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	var years any
	if p.YearsExperience > 0 {
		years = p.YearsExperience
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,role,work_type,location,years_experience,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Email), string(p.Role), nullable(p.WorkType), nullable(p.Location), years, db.FormatTime(p.CreatedAt))
	return classify(err)
}

const profileColumns = `id,name,COALESCE(email,''),role,COALESCE(work_type,''),COALESCE(location,''),COALESCE(years_experience,0),created_at`

func scanProfile(row scanner) (domain.Profile, error) {
	var p domain.Profile
	var role, createdAt string
	err := row.Scan(&p.ID, &p.Name, &p.Email, &role, &p.WorkType, &p.Location, &p.YearsExperience, &createdAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Role = domain.Role(role)
	if p.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return p, fmt.Errorf("parse created_at: %w", err)
	}
	return p, nil
}

// GetProfile resolves a directory user by id.
func (r Repo) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	p, err := scanProfile(r.DB.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM users WHERE id=?`, id))
	return p, classify(err)
}

// ListProfiles lists directory users, optionally restricted to one role.
func (r Repo) ListProfiles(ctx context.Context, role domain.Role) ([]domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := []domain.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, classify(rows.Err())
}
