package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

const schema = `create table if not exists dead_letters (
	job_id      text primary key,
	kind        text not null,
	attempt     int not null,
	reason      text not null,
	last_error  text not null default '',
	last_status int not null default 0,
	job         jsonb not null,
	dead_at     timestamptz not null
)`

// PostgresStore 以 dead_letters 表存放死信
type PostgresStore struct{ db *pgxpool.Pool }

// NewPostgresStore 連線並確保資料表存在
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create dead_letters table: %w", err)
	}
	return &PostgresStore{db}, nil
}

func (s *PostgresStore) Put(ctx context.Context, letter types.DeadLetter) error {
	job, err := json.Marshal(letter.Job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.Exec(ctx, `insert into dead_letters(
job_id, kind, attempt, reason, last_error, last_status, job, dead_at
) values ($1,$2,$3,$4,$5,$6,$7,$8)
on conflict (job_id) do nothing`,
		string(letter.Job.ID), string(letter.Job.Kind), letter.Job.Attempt,
		letter.Reason, letter.LastError, letter.LastStatus, job, letter.At,
	)
	return err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	// LIMIT NULL 等同不限制
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `select job, reason, last_error, last_status, dead_at
from dead_letters order by dead_at desc limit $1`, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DeadLetter
	for rows.Next() {
		var (
			raw    []byte
			letter types.DeadLetter
		)
		if err := rows.Scan(&raw, &letter.Reason, &letter.LastError, &letter.LastStatus, &letter.At); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &letter.Job); err != nil {
			return nil, fmt.Errorf("decode dead letter job: %w", err)
		}
		out = append(out, letter)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `select count(*) from dead_letters`).Scan(&n)
	return n, err
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
