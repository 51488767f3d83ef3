package auth

import (
	"context"
	"database/sql"
	"time"

	"channelhub.cn/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore                 { return &pgUserStore{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore { return &pgTokenStore{db: s.db} }
func (s *PGStore) Audit(context.Context) AuditStore                { return &pgAuditStore{db: s.db} }
func (s *PGStore) Events(context.Context) EventStore               { return &pgEventStore{db: s.db} }

// User store ---------------------------------------------------------------

type pgUserStore struct{ db *sql.DB }

const userColumns = `id, username, email, password_hash, name, phone, avatar, role, status,
	 require_password_change, feishu_id, feishu_union_id, created_at, updated_at`

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	var role *string
	if u.Role != nil {
		r := string(*u.Role)
		role = &r
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, username, email, password_hash, name, phone, avatar, role, status,
		 require_password_change, feishu_id, feishu_union_id)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		u.ID, nullable(u.Username), nullable(u.Email), nullable(u.PasswordHash),
		u.Name, u.Phone, u.Avatar, role, u.Status,
		u.RequirePasswordChange, nullable(u.FeishuID), nullable(u.FeishuUnionID),
	)
	return err
}

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	return s.findWhere(ctx, `id=$1`, id)
}

func (s *pgUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findWhere(ctx, `lower(email)=lower($1)`, email)
}

func (s *pgUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.findWhere(ctx, `username=$1`, username)
}

func (s *pgUserStore) FindByFeishuID(ctx context.Context, openID string) (*User, error) {
	return s.findWhere(ctx, `feishu_id=$1`, openID)
}

func (s *pgUserStore) FindByFeishuUnionID(ctx context.Context, unionID string) (*User, error) {
	return s.findWhere(ctx, `feishu_union_id=$1`, unionID)
}

func (s *pgUserStore) findWhere(ctx context.Context, where string, arg any) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where `+where, arg)
	var u User
	var username, email, hash, role, feishu, unionID sql.NullString
	err := row.Scan(&u.ID, &username, &email, &hash, &u.Name, &u.Phone, &u.Avatar,
		&role, &u.Status, &u.RequirePasswordChange, &feishu, &unionID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Username = username.String
	u.Email = email.String
	u.PasswordHash = hash.String
	u.FeishuID = feishu.String
	u.FeishuUnionID = unionID.String
	if role.Valid {
		r := Role(role.String)
		u.Role = &r
	}
	return &u, nil
}

func (s *pgUserStore) UpdatePassword(ctx context.Context, userID, passwordHash string, requireChange bool) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, require_password_change=$3, updated_at=now() where id=$1`,
		userID, passwordHash, requireChange,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUserStore) UpdateProfile(ctx context.Context, userID, name, phone, avatar string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set
		 name = coalesce(nullif($2,''), name),
		 phone = coalesce(nullif($3,''), phone),
		 avatar = coalesce(nullif($4,''), avatar),
		 updated_at = now()
		 where id=$1`,
		userID, name, phone, avatar,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUserStore) UpdateRole(ctx context.Context, userID string, role *Role) error {
	var value *string
	if role != nil {
		r := string(*role)
		value = &r
	}
	res, err := s.db.ExecContext(ctx,
		`update users set role=$2, updated_at=now() where id=$1`,
		userID, value,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUserStore) UpdateStatus(ctx context.Context, userID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set status=$2, updated_at=now() where id=$1`,
		userID, status,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Refresh token store ------------------------------------------------------

type pgTokenStore struct{ db *sql.DB }

// Save keeps at most one live record per user: the upsert overwrites any
// prior session unconditionally.
func (s *pgTokenStore) Save(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(user_id, token, expires_at)
		 values($1,$2,$3)
		 on conflict (user_id) do update set token=excluded.token,
		 expires_at=excluded.expires_at, created_at=now()`,
		userID, token, expiresAt,
	)
	return err
}

func (s *pgTokenStore) Validate(ctx context.Context, userID, token string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`select token, expires_at from refresh_tokens where user_id=$1`, userID)
	var (
		stored    string
		expiresAt time.Time
	)
	if err := row.Scan(&stored, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if stored != token {
		return false, nil
	}
	return time.Now().Before(expiresAt), nil
}

func (s *pgTokenStore) Revoke(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from refresh_tokens where user_id=$1`, userID)
	return err
}

// Audit and event stores ---------------------------------------------------

type pgAuditStore struct{ db *sql.DB }

func (s *pgAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(id, occurred_at, user_id, action, detail, request_id)
		 values($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.OccurredAt, nullable(entry.UserID), entry.Action, entry.Detail, entry.RequestID,
	)
	return err
}

type pgEventStore struct{ db *sql.DB }

func (s *pgEventStore) Append(ctx context.Context, event *LoginEvent) error {
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into login_events(id, user_id, kind, occurred_at) values($1,$2,$3,$4)`,
		event.ID, event.UserID, event.Kind, event.OccurredAt,
	)
	return err
}

// helpers -------------------------------------------------------------------

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
