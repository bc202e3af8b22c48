package accounts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tessera-tickets/tessera/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, username_digest, username_enc, admin_level_enc, invite_code_hash, invite_expires_at)
		values($1,$2,$3,$4,$5,$6)
	`, u.ID, u.UsernameDigest, u.EncryptedUsername, u.EncryptedAdminLevel, u.InviteCodeHash, u.InviteExpiresAt)
	return err
}

const userColumns = `id, username_digest, username_enc, admin_level_enc,
	password_salt, password_hash_enc, wrapped_data_key,
	invite_code_hash, invite_expires_at, created_at, updated_at`

func (s *PGStore) scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.UsernameDigest, &u.EncryptedUsername, &u.EncryptedAdminLevel,
		&u.PasswordSalt, &u.EncryptedPasswordHash, &u.WrappedDataKey,
		&u.InviteCodeHash, &u.InviteExpiresAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PGStore) FindUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *PGStore) FindUserByDigest(ctx context.Context, digest []byte) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username_digest=$1`, digest))
}

func (s *PGStore) FindUserByInviteHash(ctx context.Context, hash []byte) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where invite_code_hash=$1`, hash))
}

func (s *PGStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (s *PGStore) SetUserPassword(ctx context.Context, userID string, salt, encryptedHash []byte) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set password_salt=$2, password_hash_enc=$3,
			invite_code_hash=null, invite_expires_at=null, updated_at=now()
		where id=$1
	`, userID, salt, encryptedHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) ActivateUser(ctx context.Context, userID string, wrappedDataKey []byte) error {
	res, err := s.db.ExecContext(ctx, `
		update users set wrapped_data_key=$2, updated_at=now()
		where id=$1 and wrapped_data_key is null
	`, userID, wrappedDataKey)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) RewrapUser(ctx context.Context, userID string, salt, encryptedHash, wrappedDataKey []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update users
		set password_salt=$2, password_hash_enc=$3, wrapped_data_key=$4, updated_at=now()
		where id=$1
	`, userID, salt, encryptedHash, wrappedDataKey)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	// Old sessions hold copies wrapped for tokens that predate the change.
	if _, err := tx.ExecContext(ctx, `delete from sessions where user_id=$1`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from sessions where user_id=$1`, userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from users where id=$1`, userID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(id, user_id, token_hash, csrf_token, wrapped_data_key, expires_at)
		values($1,$2,$3,$4,$5,$6)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.CSRFToken, sess.WrappedDataKey, sess.ExpiresAt)
	return err
}

func (s *PGStore) FindSessionByTokenHash(ctx context.Context, hash []byte) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, csrf_token, wrapped_data_key, expires_at, created_at
		from sessions where token_hash=$1
	`, hash).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.CSRFToken,
		&sess.WrappedDataKey, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PGStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where id=$1`, id)
	return err
}

func (s *PGStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGStore) LoadKeyState(ctx context.Context) (*KeyState, error) {
	var ks KeyState
	err := s.db.QueryRowContext(ctx, `
		select version, public_key, wrapped_private_key, created_at
		from key_state order by version desc limit 1
	`).Scan(&ks.Version, &ks.PublicKey, &ks.WrappedPrivateKey, &ks.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotBootstrapped
	}
	if err != nil {
		return nil, err
	}
	return &ks, nil
}

func (s *PGStore) SaveKeyState(ctx context.Context, ks *KeyState) error {
	res, err := s.db.ExecContext(ctx, `
		insert into key_state(version, public_key, wrapped_private_key)
		select $1, $2, $3
		where not exists (select 1 from key_state)
	`, ks.Version, ks.PublicKey, ks.WrappedPrivateKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBootstrapped
	}
	return nil
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
