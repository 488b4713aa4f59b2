package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FayzaCH/fog-server/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresStore) UpsertCos(ctx context.Context, cos CosRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO cos (id, name, max_response_time, min_concurrent_users, min_requests_per_second, min_bandwidth, max_delay, max_jitter, max_loss_rate, min_cpu, min_ram, min_disk)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (id) DO UPDATE SET
		 name=EXCLUDED.name,
		 max_response_time=EXCLUDED.max_response_time,
		 min_concurrent_users=EXCLUDED.min_concurrent_users,
		 min_requests_per_second=EXCLUDED.min_requests_per_second,
		 min_bandwidth=EXCLUDED.min_bandwidth,
		 max_delay=EXCLUDED.max_delay,
		 max_jitter=EXCLUDED.max_jitter,
		 max_loss_rate=EXCLUDED.max_loss_rate,
		 min_cpu=EXCLUDED.min_cpu,
		 min_ram=EXCLUDED.min_ram,
		 min_disk=EXCLUDED.min_disk`,
		cos.ID, cos.Name, cos.MaxResponseTime, cos.MinConcurrentUsers, cos.MinRequestsPerSecond, cos.MinBandwidth, cos.MaxDelay, cos.MaxJitter, cos.MaxLossRate, cos.MinCPU, cos.MinRAM, cos.MinDisk,
	)
	return err
}

func (p *PostgresStore) GetCos(ctx context.Context, id int64) (CosRecord, bool, error) {
	var c CosRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, max_response_time, min_concurrent_users, min_requests_per_second, min_bandwidth, max_delay, max_jitter, max_loss_rate, min_cpu, min_ram, min_disk
		 FROM cos WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.MaxResponseTime, &c.MinConcurrentUsers, &c.MinRequestsPerSecond, &c.MinBandwidth, &c.MaxDelay, &c.MaxJitter, &c.MaxLossRate, &c.MinCPU, &c.MinRAM, &c.MinDisk)
	if errors.Is(err, sql.ErrNoRows) {
		return CosRecord{}, false, nil
	}
	if err != nil {
		return CosRecord{}, false, err
	}
	return c, true, nil
}

func (p *PostgresStore) ListCos(ctx context.Context) ([]CosRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, max_response_time, min_concurrent_users, min_requests_per_second, min_bandwidth, max_delay, max_jitter, max_loss_rate, min_cpu, min_ram, min_disk
		 FROM cos ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]CosRecord, 0, 8)
	for rows.Next() {
		var c CosRecord
		if err := rows.Scan(&c.ID, &c.Name, &c.MaxResponseTime, &c.MinConcurrentUsers, &c.MinRequestsPerSecond, &c.MinBandwidth, &c.MaxDelay, &c.MaxJitter, &c.MaxLossRate, &c.MinCPU, &c.MinRAM, &c.MinDisk); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req RequestRecord) error {
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO requests (id, src, cos_id, data, result, host, path, state, hreq_at, dres_at, attempt, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		req.ID, req.Src, req.CosID, req.Data, req.Result, req.Host, req.Path, req.State, nullTime(req.HreqAt), nullTime(req.DresAt), req.Attempt, req.CreatedAt, req.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id, src string) (RequestRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, src, cos_id, data, result, host, path, state, hreq_at, dres_at, attempt, created_at, updated_at
		 FROM requests WHERE id=$1 AND src=$2`, id, src,
	)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RequestRecord{}, false, nil
	}
	if err != nil {
		return RequestRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, req RequestRecord) error {
	req.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE requests SET cos_id=$3, data=$4, result=$5, host=$6, path=$7, state=$8, hreq_at=$9, dres_at=$10, attempt=$11, updated_at=$12
		 WHERE id=$1 AND src=$2`,
		req.ID, req.Src, req.CosID, req.Data, req.Result, req.Host, req.Path, req.State, nullTime(req.HreqAt), nullTime(req.DresAt), req.Attempt, req.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("request %s/%s not found", req.ID, req.Src)
	}
	return nil
}

func (p *PostgresStore) ListRequests(ctx context.Context, query RequestQuery) ([]RequestRecord, error) {
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := []string{"1=1"}
	args := make([]any, 0, 4)
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	if query.ID != "" {
		add("id=$%d", query.ID)
	}
	if query.Src != "" {
		add("src=$%d", query.Src)
	}
	if query.State != "" {
		add("state=$%d", query.State)
	}
	args = append(args, limit, offset)
	sqlQuery := fmt.Sprintf(
		`SELECT id, src, cos_id, data, result, host, path, state, hreq_at, dres_at, attempt, created_at, updated_at
		 FROM requests
		 WHERE %s
		 ORDER BY src, id
		 LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), argi, argi+1,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RequestRecord, 0, limit)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateAttempt(ctx context.Context, att AttemptRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO attempts (req_id, src, attempt_no, host, path, state, hreq_at, hres_at, rres_at, dres_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		att.ReqID, att.Src, att.AttemptNo, att.Host, att.Path, att.State, nullTime(att.HreqAt), nullTime(att.HresAt), nullTime(att.RresAt), nullTime(att.DresAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) UpdateAttempt(ctx context.Context, att AttemptRecord) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE attempts SET host=$4, path=$5, state=$6, hreq_at=$7, hres_at=$8, rres_at=$9, dres_at=$10
		 WHERE req_id=$1 AND src=$2 AND attempt_no=$3`,
		att.ReqID, att.Src, att.AttemptNo, att.Host, att.Path, att.State, nullTime(att.HreqAt), nullTime(att.HresAt), nullTime(att.RresAt), nullTime(att.DresAt),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("attempt %s/%s/%d not found", att.ReqID, att.Src, att.AttemptNo)
	}
	return nil
}

func (p *PostgresStore) ListAttempts(ctx context.Context, id, src string) ([]AttemptRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT req_id, src, attempt_no, host, path, state, hreq_at, hres_at, rres_at, dres_at
		 FROM attempts WHERE req_id=$1 AND src=$2 ORDER BY attempt_no`, id, src,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AttemptRecord, 0, 4)
	for rows.Next() {
		var a AttemptRecord
		var hres, rres, dres sql.NullTime
		var hreq sql.NullTime
		if err := rows.Scan(&a.ReqID, &a.Src, &a.AttemptNo, &a.Host, &a.Path, &a.State, &hreq, &hres, &rres, &dres); err != nil {
			return nil, err
		}
		if hreq.Valid {
			a.HreqAt = hreq.Time
		}
		if hres.Valid {
			a.HresAt = hres.Time
		}
		if rres.Valid {
			a.RresAt = rres.Time
		}
		if dres.Valid {
			a.DresAt = dres.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateResponse(ctx context.Context, resp ResponseRecord) error {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO responses (req_id, src, attempt_no, host, algorithm, algo_time, cpu, ram, disk, ts)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		resp.ReqID, resp.Src, resp.AttemptNo, resp.Host, resp.Algorithm, resp.AlgoTime, resp.CPU, resp.RAM, resp.Disk, resp.Timestamp,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) ListResponses(ctx context.Context, id, src string) ([]ResponseRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT req_id, src, attempt_no, host, algorithm, algo_time, cpu, ram, disk, ts
		 FROM responses WHERE req_id=$1 AND src=$2 ORDER BY attempt_no, host`, id, src,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ResponseRecord, 0, 4)
	for rows.Next() {
		var r ResponseRecord
		if err := rows.Scan(&r.ReqID, &r.Src, &r.AttemptNo, &r.Host, &r.Algorithm, &r.AlgoTime, &r.CPU, &r.RAM, &r.Disk, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreatePath(ctx context.Context, path PathRecord) error {
	if path.Timestamp.IsZero() {
		path.Timestamp = time.Now().UTC()
	}
	bandwidths, err := json.Marshal(path.Bandwidths)
	if err != nil {
		return err
	}
	delays, err := json.Marshal(path.Delays)
	if err != nil {
		return err
	}
	jitters, err := json.Marshal(path.Jitters)
	if err != nil {
		return err
	}
	lossRates, err := json.Marshal(path.LossRates)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO paths (req_id, src, attempt_no, host, path, algorithm, algo_time, bandwidths_json, delays_json, jitters_json, loss_rates_json, weight_type, weight, ts)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		path.ReqID, path.Src, path.AttemptNo, path.Host, path.Path, path.Algorithm, path.AlgoTime, string(bandwidths), string(delays), string(jitters), string(lossRates), path.WeightType, path.Weight, path.Timestamp,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) ListPaths(ctx context.Context, id, src string) ([]PathRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT req_id, src, attempt_no, host, path, algorithm, algo_time, bandwidths_json, delays_json, jitters_json, loss_rates_json, weight_type, weight, ts
		 FROM paths WHERE req_id=$1 AND src=$2 ORDER BY attempt_no, host, path`, id, src,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]PathRecord, 0, 4)
	for rows.Next() {
		var pr PathRecord
		var bandwidthsJSON, delaysJSON, jittersJSON, lossRatesJSON string
		if err := rows.Scan(&pr.ReqID, &pr.Src, &pr.AttemptNo, &pr.Host, &pr.Path, &pr.Algorithm, &pr.AlgoTime, &bandwidthsJSON, &delaysJSON, &jittersJSON, &lossRatesJSON, &pr.WeightType, &pr.Weight, &pr.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(bandwidthsJSON), &pr.Bandwidths); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(delaysJSON), &pr.Delays); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(jittersJSON), &pr.Jitters); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(lossRatesJSON), &pr.LossRates); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (RequestRecord, error) {
	var r RequestRecord
	var hreq, dres sql.NullTime
	if err := s.Scan(&r.ID, &r.Src, &r.CosID, &r.Data, &r.Result, &r.Host, &r.Path, &r.State, &hreq, &dres, &r.Attempt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return RequestRecord{}, err
	}
	if hreq.Valid {
		r.HreqAt = hreq.Time
	}
	if dres.Valid {
		r.DresAt = dres.Time
	}
	return r, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
