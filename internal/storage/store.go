package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qudata/provisioner/internal/domain"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Store persists instance records, wallet profiles and sessions.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

// Open connects to the database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*Store, error) {
	driverName := driver
	// The pgx stdlib registers driver name "pgx".
	if driver == "postgres" {
		driverName = "pgx"
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var db *bun.DB
	switch driver {
	case "postgres":
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
		db = bun.NewDB(sqlDB, pgdialect.New())
	case "sqlite":
		// A single connection keeps in-memory databases visible to every
		// query and serialises writers.
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	default:
		_ = sqlDB.Close()
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*instanceModel)(nil),
		(*profileModel)(nil),
		(*sessionModel)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []struct {
		model  any
		name   string
		column string
	}{
		{(*instanceModel)(nil), "server_instances_user_id_idx", "user_id"},
		{(*instanceModel)(nil), "server_instances_wallet_address_idx", "wallet_address"},
		{(*sessionModel)(nil), "sessions_user_id_idx", "user_id"},
	}
	for _, ix := range indexes {
		_, err := s.db.NewCreateIndex().
			Model(ix.model).
			Index(ix.name).
			Column(ix.column).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", ix.name, err)
		}
	}
	return nil
}

// --- instances ---

// InsertInstance writes a new instance record, filling timestamps.
func (s *Store) InsertInstance(ctx context.Context, in *domain.Instance) error {
	now := s.now()
	in.CreatedAt = now
	in.UpdatedAt = now

	if _, err := s.db.NewInsert().Model(instanceFromDomain(in)).Exec(ctx); err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetOwnedInstance returns the record only if it belongs to userID.
func (s *Store) GetOwnedInstance(ctx context.Context, id, userID string) (*domain.Instance, error) {
	var m instanceModel
	err := s.db.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("select instance: %w", err)
	}
	in := m.toDomain()
	return &in, nil
}

// UpdateInstanceStatus sets the lifecycle status of an owned record.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id, userID string, status domain.InstanceStatus) error {
	res, err := s.db.NewUpdate().
		Model((*instanceModel)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	return expectRow(res)
}

// UpdateInstanceNetwork applies a refresh: status plus addresses.
func (s *Store) UpdateInstanceNetwork(ctx context.Context, id, userID string, u domain.NetworkUpdate) error {
	res, err := s.db.NewUpdate().
		Model((*instanceModel)(nil)).
		Set("status = ?", string(u.Status)).
		Set("ip_address = ?", u.IPAddress).
		Set("actual_ip = ?", u.ActualIP).
		Set("ipv6_address = ?", u.IPv6Address).
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update instance network: %w", err)
	}
	return expectRow(res)
}

// DeleteInstance removes an owned record.
func (s *Store) DeleteInstance(ctx context.Context, id, userID string) error {
	res, err := s.db.NewDelete().
		Model((*instanceModel)(nil)).
		Where("id = ?", id).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return expectRow(res)
}

// ListOwnedInstances returns the user's records attached to wallet.
// Rows another user created against the same wallet are not included.
func (s *Store) ListOwnedInstances(ctx context.Context, userID, wallet string) ([]domain.Instance, error) {
	var rows []instanceModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Where("wallet_address = ?", wallet).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	out := make([]domain.Instance, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// --- profiles ---

func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var m profileModel
	err := s.db.NewSelect().Model(&m).Where("user_id = ?", userID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("select profile: %w", err)
	}
	p := m.toDomain()
	return &p, nil
}

// UpsertProfile binds a wallet address to a user.
func (s *Store) UpsertProfile(ctx context.Context, userID, wallet string) error {
	now := s.now()
	m := &profileModel{
		UserID:        userID,
		WalletAddress: wallet,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (user_id) DO UPDATE").
		Set("wallet_address = EXCLUDED.wallet_address").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	m := &sessionModel{
		Token:     sess.Token,
		UserID:    sess.UserID,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	var m sessionModel
	err := s.db.NewSelect().Model(&m).Where("token = ?", token).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	sess := m.toDomain()
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.NewDelete().Model((*sessionModel)(nil)).Where("token = ?", token).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions purges sessions that expired before now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.NewDelete().Model((*sessionModel)(nil)).Where("expires_at < ?", now.UTC()).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}
