package lease

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// sqlStore persists lease history in dbo.leases. Uniqueness of the active
// lease per resource is enforced by locking every row for the resource
// inside a transaction before deciding whether to insert (spec §4.A: many
// engines cannot express a partial-unique index on "active" rows, so the
// manager enforces it with lock -> check -> write instead of a constraint).
// Every expiry write and comparison is expressed in the SQL text itself
// (SYSUTCDATETIME()/DATEADD) rather than bound from a Go-computed time, so
// two independent processes racing on the same resource are judged by one
// clock — the storage engine's — instead of each other's (spec §9 "Clock
// authority").
type sqlStore struct {
	db  *sql.DB
	ttl time.Duration
}

func newSQLStore(db *sql.DB, ttl time.Duration) (*sqlStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &sqlStore{db: db, ttl: ttl}, nil
}

// leaseRow is a scanned dbo.leases row plus the activity flags the SQL
// text computed against SYSUTCDATETIME(), so callers never re-derive
// active/expired from a Go-side "now".
type leaseRow struct {
	Lease
	isActive  bool
	isExpired bool
}

func (s *sqlStore) acquire(ctx context.Context, resource, holder string) (Lease, error) {
	resource = strings.TrimSpace(resource)
	holder = strings.TrimSpace(holder)
	if resource == "" || holder == "" {
		return Lease{}, errors.New("resource and holder are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, holder_id, created_at, renewed_at, released_at, expires_at,
       CASE WHEN released_at IS NULL AND expires_at > SYSUTCDATETIME() THEN 1 ELSE 0 END AS is_active
     FROM dbo.leases WITH (UPDLOCK, HOLDLOCK)
     WHERE resource = @p1`,
		resource,
	)
	if err != nil {
		return Lease{}, err
	}
	existing, err := scanLeaseRows(rows)
	if err != nil {
		return Lease{}, err
	}

	for _, row := range existing {
		if row.isActive {
			return Lease{}, ConflictError{Resource: resource, Holder: holder, Reason: "active lease held by " + row.Holder}
		}
	}

	row := tx.QueryRowContext(
		ctx,
		`INSERT INTO dbo.leases (resource, holder_id, created_at, expires_at)
     OUTPUT inserted.id, inserted.created_at, inserted.expires_at
     VALUES (@p1, @p2, SYSUTCDATETIME(), DATEADD(MILLISECOND, @p3, SYSUTCDATETIME()))`,
		resource,
		holder,
		s.ttl.Milliseconds(),
	)
	var id int64
	var createdAt, expiresAt time.Time
	if err := row.Scan(&id, &createdAt, &expiresAt); err != nil {
		return Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, err
	}

	return Lease{
		ID:        id,
		Resource:  resource,
		Holder:    holder,
		CreatedAt: normalizeDBTime(createdAt),
		ExpiresAt: normalizeDBTime(expiresAt),
	}, nil
}

func (s *sqlStore) renew(ctx context.Context, resource, holder string) (Lease, error) {
	resource = strings.TrimSpace(resource)
	holder = strings.TrimSpace(holder)
	if resource == "" || holder == "" {
		return Lease{}, errors.New("resource and holder are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, holder_id, created_at, renewed_at, released_at, expires_at,
       CASE WHEN released_at IS NULL AND expires_at > SYSUTCDATETIME() THEN 1 ELSE 0 END AS is_active,
       CASE WHEN released_at IS NULL AND expires_at <= SYSUTCDATETIME() THEN 1 ELSE 0 END AS is_expired
     FROM dbo.leases WITH (UPDLOCK, HOLDLOCK)
     WHERE resource = @p1
     ORDER BY id DESC`,
		resource,
	)
	if err != nil {
		return Lease{}, err
	}
	existing, err := scanLeaseRows(rows)
	if err != nil {
		return Lease{}, err
	}
	if len(existing) == 0 {
		return Lease{}, NotFoundError{Resource: resource}
	}

	var active *leaseRow
	var lapsedHeldByHolder bool
	for i := range existing {
		row := existing[i]
		if row.Holder != holder {
			continue
		}
		if row.isActive {
			active = &existing[i]
			break
		}
		if row.isExpired {
			lapsedHeldByHolder = true
		}
	}
	if active == nil {
		if lapsedHeldByHolder {
			return Lease{}, ConflictError{Resource: resource, Holder: holder, Reason: "lease expired before renewal"}
		}
		return Lease{}, ConflictError{Resource: resource, Holder: holder, Reason: "caller does not hold the active lease"}
	}

	row := tx.QueryRowContext(
		ctx,
		`UPDATE dbo.leases
     SET renewed_at = SYSUTCDATETIME(),
         expires_at = DATEADD(MILLISECOND, @p1, SYSUTCDATETIME())
     OUTPUT inserted.renewed_at, inserted.expires_at
     WHERE id = @p2`,
		s.ttl.Milliseconds(),
		active.ID,
	)
	var renewedAt, expiresAt time.Time
	if err := row.Scan(&renewedAt, &expiresAt); err != nil {
		return Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, err
	}

	renewedAtCopy := normalizeDBTime(renewedAt)
	return Lease{
		ID:        active.ID,
		Resource:  resource,
		Holder:    holder,
		CreatedAt: active.CreatedAt,
		RenewedAt: &renewedAtCopy,
		ExpiresAt: normalizeDBTime(expiresAt),
	}, nil
}

func (s *sqlStore) release(ctx context.Context, id int64) (Lease, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.leases
     SET released_at = SYSUTCDATETIME()
     OUTPUT inserted.resource, inserted.holder_id, inserted.created_at, inserted.renewed_at, inserted.released_at, inserted.expires_at
     WHERE id = @p1 AND released_at IS NULL`,
		id,
	)
	var resource, holder string
	var createdAt, expiresAt time.Time
	var renewedAt, releasedAt sql.NullTime
	if err := row.Scan(&resource, &holder, &createdAt, &renewedAt, &releasedAt, &expiresAt); err == nil {
		return toLease(id, resource, holder, createdAt, renewedAt, releasedAt, expiresAt), nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Lease{}, err
	}

	// Idempotent second release (spec P5): the row may already be released.
	existing, err := s.readByID(ctx, id)
	if err != nil {
		return Lease{}, err
	}
	if existing == nil {
		return Lease{}, NotFoundError{ID: id}
	}
	return *existing, nil
}

func (s *sqlStore) readByID(ctx context.Context, id int64) (*Lease, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT resource, holder_id, created_at, renewed_at, released_at, expires_at
     FROM dbo.leases WHERE id = @p1`,
		id,
	)
	var resource, holder string
	var createdAt, expiresAt time.Time
	var renewedAt, releasedAt sql.NullTime
	if err := row.Scan(&resource, &holder, &createdAt, &renewedAt, &releasedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	lease := toLease(id, resource, holder, createdAt, renewedAt, releasedAt, expiresAt)
	return &lease, nil
}

// readActive returns the currently active row for resource, judged by the
// storage engine's own clock rather than a Go-side comparison.
func (s *sqlStore) readActive(ctx context.Context, resource string) (*Lease, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT TOP (1) id, holder_id, created_at, renewed_at, released_at, expires_at
     FROM dbo.leases
     WHERE resource = @p1
       AND released_at IS NULL
       AND expires_at > SYSUTCDATETIME()
     ORDER BY id DESC`,
		resource,
	)
	var id int64
	var holder string
	var createdAt, expiresAt time.Time
	var renewedAt, releasedAt sql.NullTime
	if err := row.Scan(&id, &holder, &createdAt, &renewedAt, &releasedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	lease := toLease(id, resource, holder, createdAt, renewedAt, releasedAt, expiresAt)
	return &lease, nil
}

// listByState fetches every row along with is_active/is_expired flags
// computed by the storage engine, so filtering by derived state never
// consults the caller's wall clock.
func (s *sqlStore) listByState(ctx context.Context, state State) ([]Lease, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, resource, holder_id, created_at, renewed_at, released_at, expires_at,
       CASE WHEN released_at IS NULL AND expires_at > SYSUTCDATETIME() THEN 1 ELSE 0 END AS is_active,
       CASE WHEN released_at IS NULL AND expires_at <= SYSUTCDATETIME() THEN 1 ELSE 0 END AS is_expired
     FROM dbo.leases ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		var id int64
		var resource, holder string
		var createdAt, expiresAt time.Time
		var renewedAt, releasedAt sql.NullTime
		var isActive, isExpired int
		if err := rows.Scan(&id, &resource, &holder, &createdAt, &renewedAt, &releasedAt, &expiresAt, &isActive, &isExpired); err != nil {
			return nil, err
		}
		lease := toLease(id, resource, holder, createdAt, renewedAt, releasedAt, expiresAt)
		if matchesDerivedState(state, lease, isActive != 0, isExpired != 0) {
			out = append(out, lease)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func matchesDerivedState(state State, lease Lease, isActive, isExpired bool) bool {
	switch state {
	case "", "all":
		return true
	case StateActive:
		return isActive
	case StateExpired:
		return isExpired
	case StateReleased:
		return lease.IsReleased()
	case StateRenewed:
		return isActive && lease.RenewedAt != nil
	default:
		return false
	}
}

// scanLeaseRows reads rows carrying the two engine-computed activity flags
// used by acquire/renew (which query WITH the flags appended); callers that
// don't select those columns use the plain scan helpers above instead.
func scanLeaseRows(rows *sql.Rows) ([]leaseRow, error) {
	defer rows.Close()
	var out []leaseRow
	for rows.Next() {
		var id int64
		var holder string
		var createdAt, expiresAt time.Time
		var renewedAt, releasedAt sql.NullTime
		var isActive, isExpired int
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		dest := []interface{}{&id, &holder, &createdAt, &renewedAt, &releasedAt, &expiresAt, &isActive}
		if len(cols) >= 8 {
			dest = append(dest, &isExpired)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := leaseRow{
			Lease: Lease{
				ID:        id,
				Holder:    holder,
				CreatedAt: normalizeDBTime(createdAt),
				ExpiresAt: normalizeDBTime(expiresAt),
			},
			isActive:  isActive != 0,
			isExpired: isExpired != 0,
		}
		if renewedAt.Valid {
			t := normalizeDBTime(renewedAt.Time)
			row.RenewedAt = &t
		}
		if releasedAt.Valid {
			t := normalizeDBTime(releasedAt.Time)
			row.ReleasedAt = &t
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func toLease(id int64, resource, holder string, createdAt time.Time, renewedAt, releasedAt sql.NullTime, expiresAt time.Time) Lease {
	lease := Lease{
		ID:        id,
		Resource:  resource,
		Holder:    holder,
		CreatedAt: normalizeDBTime(createdAt),
		ExpiresAt: normalizeDBTime(expiresAt),
	}
	if renewedAt.Valid {
		t := normalizeDBTime(renewedAt.Time)
		lease.RenewedAt = &t
	}
	if releasedAt.Valid {
		t := normalizeDBTime(releasedAt.Time)
		lease.ReleasedAt = &t
	}
	return lease
}

func normalizeDBTime(value time.Time) time.Time {
	return time.Date(
		value.Year(),
		value.Month(),
		value.Day(),
		value.Hour(),
		value.Minute(),
		value.Second(),
		value.Nanosecond(),
		time.UTC,
	)
}
