package store

import (
	"context"
	"fmt"
	"strings"
)

// Source records which writer set a profile field.
type Source string

const (
	SourceNone     Source = ""
	SourceManual   Source = "manual"
	SourceInferred Source = "inferred"
)

// Profile is the canonical user profile record. Every reader and writer uses
// this shape.
type Profile struct {
	UserID            string `db:"user_id"`
	Username          string `db:"username"`
	DisplayName       string `db:"display_name"`
	DisplayNameSource Source `db:"display_name_source"`
	Location          string `db:"location"`
	LocationSource    Source `db:"location_source"`
	ProfileInfo       string `db:"profile_info"`
	EmotionalState    string `db:"emotional_state"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

// Empty reports whether the profile carries nothing worth showing.
func (p Profile) Empty() bool {
	return p.Username == "" && p.DisplayName == "" && p.Location == "" &&
		p.ProfileInfo == "" && p.EmotionalState == ""
}

func (p Profile) ManualName() bool {
	return p.DisplayNameSource == SourceManual && p.DisplayName != ""
}

func (p Profile) ManualLocation() bool {
	return p.LocationSource == SourceManual && p.Location != ""
}

// ProfileUpdate carries the fields one writer wants to set. Nil fields are
// left untouched.
type ProfileUpdate struct {
	UserID         string
	Source         Source
	Username       *string
	DisplayName    *string
	Location       *string
	ProfileInfo    *string
	EmotionalState *string
}

// Str is a convenience for building ProfileUpdate literals.
func Str(s string) *string {
	return &s
}

const profileColumns = `user_id, username, display_name, display_name_source, location, location_source,
	profile_info, emotional_state, created_at, updated_at`

func (s *Store) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	query := s.rebind(`SELECT ` + profileColumns + ` FROM users WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &p, query, userID); err != nil {
		return Profile{}, fmt.Errorf("get profile %s: %w", userID, notFound(err))
	}
	return p, nil
}

// EnsureUser creates an empty profile row if none exists.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("ensure user: empty user id")
	}
	now := s.tick()
	query := s.rebind(`INSERT INTO users (user_id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT (user_id) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, query, userID, now, now); err != nil {
		return fmt.Errorf("ensure user %s: %w", userID, err)
	}
	return nil
}

// UpdateProfile creates the profile if needed and applies the update in one
// transaction. Inferred name and location writes never replace a non-empty
// manual value; the guard is evaluated by the database against the current
// row, not against a value the caller read earlier. updated_at strictly
// increases on every call.
func (s *Store) UpdateProfile(ctx context.Context, upd ProfileUpdate) error {
	if strings.TrimSpace(upd.UserID) == "" {
		return fmt.Errorf("update profile: empty user id")
	}
	if upd.Source != SourceManual && upd.Source != SourceInferred {
		return fmt.Errorf("update profile %s: invalid source %q", upd.UserID, upd.Source)
	}

	now := s.tick()
	var (
		sets []string
		args []any
	)
	if upd.Username != nil {
		sets = append(sets, "username = ?")
		args = append(args, *upd.Username)
	}
	if upd.DisplayName != nil {
		set, a := guardedSet("display_name", "display_name_source", upd.Source, *upd.DisplayName)
		sets = append(sets, set...)
		args = append(args, a...)
	}
	if upd.Location != nil {
		set, a := guardedSet("location", "location_source", upd.Source, *upd.Location)
		sets = append(sets, set...)
		args = append(args, a...)
	}
	if upd.ProfileInfo != nil {
		sets = append(sets, "profile_info = ?")
		args = append(args, *upd.ProfileInfo)
	}
	if upd.EmotionalState != nil {
		sets = append(sets, "emotional_state = ?")
		args = append(args, *upd.EmotionalState)
	}
	sets = append(sets, "updated_at = CASE WHEN ? > updated_at THEN ? ELSE updated_at + 1 END")
	args = append(args, now, now, upd.UserID)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update profile %s: begin: %w", upd.UserID, err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := s.rebind(`INSERT INTO users (user_id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT (user_id) DO NOTHING`)
	if _, err := tx.ExecContext(ctx, insert, upd.UserID, now, now); err != nil {
		return fmt.Errorf("update profile %s: create: %w", upd.UserID, err)
	}

	update := s.rebind(`UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE user_id = ?`)
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return fmt.Errorf("update profile %s: %w", upd.UserID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update profile %s: commit: %w", upd.UserID, err)
	}
	return nil
}

// guardedSet builds the SET clauses for a field that tracks its writer.
func guardedSet(column, sourceColumn string, source Source, value string) ([]string, []any) {
	newSource := source
	if value == "" {
		newSource = SourceNone
	}
	if source == SourceManual {
		return []string{column + " = ?", sourceColumn + " = ?"}, []any{value, string(newSource)}
	}
	keep := sourceColumn + " = 'manual' AND " + column + " <> ''"
	return []string{
			column + " = CASE WHEN " + keep + " THEN " + column + " ELSE ? END",
			sourceColumn + " = CASE WHEN " + keep + " THEN " + sourceColumn + " ELSE ? END",
		},
		[]any{value, string(newSource)}
}

// DeleteUser removes a profile. It reports whether a row existed.
func (s *Store) DeleteUser(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE user_id = ?`), userID)
	if err != nil {
		return false, fmt.Errorf("delete user %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user %s: %w", userID, err)
	}
	return n > 0, nil
}
