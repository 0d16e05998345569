package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied by Migrate. Lists keep insertion order through a
// bigserial; pop takes the oldest row with SKIP LOCKED.
var schema = []string{
	`create table if not exists leaseq_lists (
		seq    bigserial primary key,
		name   text not null,
		member text not null
	)`,
	`create index if not exists leaseq_lists_name_seq on leaseq_lists (name, seq)`,
	`create table if not exists leaseq_zsets (
		name   text not null,
		member text not null,
		score  double precision not null,
		primary key (name, member)
	)`,
	`create index if not exists leaseq_zsets_name_score on leaseq_zsets (name, score)`,
	`create table if not exists leaseq_kv (
		key   text primary key,
		value text not null
	)`,
}

// Postgres stores the three structures as tables; a pipeline is one transaction.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db} }

// OpenPostgres connects and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := NewPostgres(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return unavailable("migrate", err)
		}
	}
	return nil
}

func (s *Postgres) Push(ctx context.Context, queue, id string) error {
	if _, err := s.db.Exec(ctx, `insert into leaseq_lists (name, member) values ($1, $2)`, queue, id); err != nil {
		return unavailable("push", err)
	}
	return nil
}

func (s *Postgres) Pop(ctx context.Context, queue string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		delete from leaseq_lists
		 where seq = (select seq from leaseq_lists
		               where name = $1
		               order by seq
		               limit 1
		               for update skip locked)
		returning member`, queue).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("pop", err)
	}
	return id, true, nil
}

func (s *Postgres) QueueLen(ctx context.Context, queue string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `select count(*) from leaseq_lists where name = $1`, queue).Scan(&n); err != nil {
		return 0, unavailable("queue len", err)
	}
	return n, nil
}

func (s *Postgres) QueueMembers(ctx context.Context, queue string) ([]string, error) {
	return s.strings(ctx, "queue members", `select member from leaseq_lists where name = $1 order by seq`, queue)
}

func (s *Postgres) ZAdd(ctx context.Context, set, member string, score float64) error {
	if _, err := s.db.Exec(ctx, zaddSQL, set, member, score); err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

const zaddSQL = `insert into leaseq_zsets (name, member, score) values ($1, $2, $3)
	on conflict (name, member) do update set score = excluded.score`

func (s *Postgres) ZRem(ctx context.Context, set, member string) error {
	if _, err := s.db.Exec(ctx, `delete from leaseq_zsets where name = $1 and member = $2`, set, member); err != nil {
		return unavailable("zrem", err)
	}
	return nil
}

func (s *Postgres) ZRangeByScore(ctx context.Context, set string, max float64, limit int64) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	return s.strings(ctx, "zrange", `
		select member from leaseq_zsets
		 where name = $1 and score <= $2
		 order by score, member
		 limit $3`, set, max, limit)
}

func (s *Postgres) ZCard(ctx context.Context, set string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `select count(*) from leaseq_zsets where name = $1`, set).Scan(&n); err != nil {
		return 0, unavailable("zcard", err)
	}
	return n, nil
}

func (s *Postgres) ZMembers(ctx context.Context, set string) ([]string, error) {
	return s.strings(ctx, "zmembers", `select member from leaseq_zsets where name = $1 order by score, member`, set)
}

func (s *Postgres) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.Exec(ctx, setSQL, key, value); err != nil {
		return unavailable("set", err)
	}
	return nil
}

const (
	setSQL   = `insert into leaseq_kv (key, value) values ($1, $2)
		on conflict (key) do update set value = excluded.value`
	setNXSQL = `insert into leaseq_kv (key, value) values ($1, $2)
		on conflict (key) do nothing`
)

func (s *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(ctx, `select value from leaseq_kv where key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", err)
	}
	return v, true, nil
}

func (s *Postgres) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, `select exists(select 1 from leaseq_kv where key = $1)`, key).Scan(&ok); err != nil {
		return false, unavailable("exists", err)
	}
	return ok, nil
}

func (s *Postgres) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.Pipeline(ctx, func(p Pipe) { p.Del(keys...) })
}

func (s *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.strings(ctx, "keys", `select key from leaseq_kv where left(key, length($1)) = $1 order by key`, prefix)
}

type pgOp func(ctx context.Context, tx pgx.Tx) error

type postgresPipe struct {
	ops []pgOp
}

func (p *postgresPipe) exec(sql string, args ...interface{}) {
	p.ops = append(p.ops, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sql, args...)
		return err
	})
}

func (p *postgresPipe) Push(queue, id string) {
	p.exec(`insert into leaseq_lists (name, member) values ($1, $2)`, queue, id)
}
func (p *postgresPipe) ZAdd(set, member string, score float64) { p.exec(zaddSQL, set, member, score) }
func (p *postgresPipe) ZRem(set, member string) {
	p.exec(`delete from leaseq_zsets where name = $1 and member = $2`, set, member)
}
func (p *postgresPipe) Set(key, value string)   { p.exec(setSQL, key, value) }
func (p *postgresPipe) SetNX(key, value string) { p.exec(setNXSQL, key, value) }
func (p *postgresPipe) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.exec(`delete from leaseq_kv where key = any($1)`, keys)
	p.exec(`delete from leaseq_lists where name = any($1)`, keys)
	p.exec(`delete from leaseq_zsets where name = any($1)`, keys)
}

func (s *Postgres) Pipeline(ctx context.Context, fn func(p Pipe)) error {
	p := &postgresPipe{}
	fn(p)
	if len(p.ops) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, op := range p.ops {
			if err := op(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("pipeline", err)
	}
	return nil
}

func (s *Postgres) MoveToQueue(ctx context.Context, set, queue string, ids []string) ([]string, error) {
	moved := make([]string, 0, len(ids))
	if len(ids) == 0 {
		return moved, nil
	}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		moved = moved[:0]
		for _, id := range ids {
			tag, err := tx.Exec(ctx, `delete from leaseq_zsets where name = $1 and member = $2`, set, id)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			if _, err := tx.Exec(ctx, `insert into leaseq_lists (name, member) values ($1, $2)`, queue, id); err != nil {
				return err
			}
			moved = append(moved, id)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("move", err)
	}
	return moved, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func (s *Postgres) strings(ctx context.Context, op, sql string, args ...interface{}) ([]string, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable(op, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
