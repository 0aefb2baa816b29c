package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"campaigner/internal/campaign"
	logx "campaigner/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, persistErr("open", "", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, persistErr("open", "", err)
	}
	// One connection serializes writers; Update relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, persistErr("migrate", "", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, c *campaign.Campaign) (string, error) {
	if c == nil {
		return "", errors.New("nil campaign")
	}
	if c.ID == "" {
		return "", errors.New("campaign id is required")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, created_at, record) VALUES(?,?,?)`,
		c.ID, c.CreatedAt.UnixMilli(), string(b),
	)
	if err != nil {
		return "", persistErr("create", c.ID, err)
	}
	return c.ID, nil
}

func (s *sqliteStore) Load(ctx context.Context, id string) (*campaign.Campaign, error) {
	c, err := loadRow(ctx, s.db, id)
	return c, persistErr("load", id, err)
}

func (s *sqliteStore) Save(ctx context.Context, c *campaign.Campaign) error {
	if c == nil {
		return errors.New("nil campaign")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET record = ? WHERE id = ?`, string(b), c.ID)
	if err != nil {
		return persistErr("save", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", campaign.ErrNotFound, c.ID)
	}
	return nil
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn UpdateFunc) (*campaign.Campaign, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("update", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := loadRow(ctx, tx, id)
	if err != nil {
		return nil, persistErr("update", id, err)
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET record = ? WHERE id = ?`, string(b), id); err != nil {
		return nil, persistErr("update", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("update", id, err)
	}
	return c.Clone(), nil
}

func (s *sqliteStore) List(ctx context.Context) ([]*campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM campaigns`)
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		var id, rec string
		if err := rows.Scan(&id, &rec); err != nil {
			return nil, persistErr("list", "", err)
		}
		var c campaign.Campaign
		if err := json.Unmarshal([]byte(rec), &c); err != nil {
			s.log.Warn("skipping unreadable campaign", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, &c)
	}
	return out, persistErr("list", "", rows.Err())
}

func (s *sqliteStore) AppendResponse(ctx context.Context, id string, r campaign.Response) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO responses(campaign_id, at, record) VALUES(?,?,?)`,
		id, r.At.UnixMilli(), string(b),
	)
	return persistErr("append response", id, err)
}

func (s *sqliteStore) RecordResponse(ctx context.Context, id string, r campaign.Response) (*campaign.Campaign, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("record response", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := loadRow(ctx, tx, id)
	if err != nil {
		return nil, persistErr("record response", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO responses(campaign_id, at, record) VALUES(?,?,?)`,
		id, r.At.UnixMilli(), string(b),
	); err != nil {
		return nil, persistErr("record response", id, err)
	}
	c.Stats.Responses++
	rec, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET record = ? WHERE id = ?`, string(rec), id); err != nil {
		return nil, persistErr("record response", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("record response", id, err)
	}
	return c, nil
}

func (s *sqliteStore) Responses(ctx context.Context, id string) ([]campaign.Response, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	var out []campaign.Response
	err := s.scanLog(ctx, `SELECT record FROM responses WHERE campaign_id = ? ORDER BY seq`, id, func(b []byte) error {
		var r campaign.Response
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, persistErr("responses", id, err)
}

func (s *sqliteStore) AppendFollowUp(ctx context.Context, f campaign.FollowUp) error {
	if err := s.exists(ctx, f.CampaignID); err != nil {
		return err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO followups(campaign_id, sent_at, record) VALUES(?,?,?)`,
		f.CampaignID, f.SentAt.UnixMilli(), string(b),
	)
	return persistErr("append follow-up", f.CampaignID, err)
}

func (s *sqliteStore) FollowUps(ctx context.Context, id string) ([]campaign.FollowUp, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	var out []campaign.FollowUp
	err := s.scanLog(ctx, `SELECT record FROM followups WHERE campaign_id = ? ORDER BY seq`, id, func(b []byte) error {
		var f campaign.FollowUp
		if err := json.Unmarshal(b, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, persistErr("follow-ups", id, err)
}

func (s *sqliteStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM campaigns WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	return persistErr("lookup", id, err)
}

func (s *sqliteStore) scanLog(ctx context.Context, q, id string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var rec string
		if err := rows.Scan(&rec); err != nil {
			return err
		}
		if err := fn([]byte(rec)); err != nil {
			s.log.Debug("skipping corrupt log row", logx.String("id", id), logx.Err(err))
		}
	}
	return rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRow(ctx context.Context, q queryer, id string) (*campaign.Campaign, error) {
	var rec string
	err := q.QueryRowContext(ctx, `SELECT record FROM campaigns WHERE id = ?`, id).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var c campaign.Campaign
	if err := json.Unmarshal([]byte(rec), &c); err != nil {
		return nil, fmt.Errorf("decode campaign: %w", err)
	}
	return &c, nil
}
