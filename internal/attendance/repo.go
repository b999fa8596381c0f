package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
)

// Repository persists directory and attendance data. Queries use $N
// placeholders in first-use order, which both Postgres and SQLite accept.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// isUniqueViolation reports a unique constraint failure from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ---- devices ----

// UpsertDevice ensures a device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, created_at)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID, time.Now().UTC())
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, device_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, deviceID, expiresAt.UTC())
	return err
}

// RevokeRefreshToken marks a live token revoked and returns its device. It
// returns ErrNotFound when the token is unknown, already revoked or expired.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string, now time.Time) (string, error) {
	var (
		deviceID  string
		expiresAt time.Time
		revoked   bool
	)
	row := r.db.QueryRowContext(ctx,
		`SELECT device_id, expires_at, revoked FROM refresh_tokens WHERE token = $1`, token)
	if err := row.Scan(&deviceID, &expiresAt, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", model.ErrNotFound
		}
		return "", err
	}
	if revoked || !expiresAt.After(now) {
		return "", model.ErrNotFound
	}
	err := affected(r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1 AND revoked = FALSE`, token))
	return deviceID, err
}

// ---- programs ----

const programColumns = `p.id, p.code, p.name, p.faculty, p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM students s WHERE s.program_id = p.id)`

func scanProgram(row interface{ Scan(...any) error }) (model.Program, error) {
	var p model.Program
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Faculty, &p.CreatedAt, &p.UpdatedAt, &p.StudentCount)
	return p, err
}

// ListPrograms returns all programs ordered by code.
func (r *Repository) ListPrograms(ctx context.Context) ([]model.Program, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+programColumns+` FROM programs p ORDER BY p.code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	programs := []model.Program{}
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

// GetProgram returns a program or ErrNotFound.
func (r *Repository) GetProgram(ctx context.Context, id string) (model.Program, error) {
	p, err := scanProgram(r.db.QueryRowContext(ctx,
		`SELECT `+programColumns+` FROM programs p WHERE p.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Program{}, model.ErrNotFound
	}
	return p, err
}

// InsertProgram writes a new program. A taken code yields ErrConflict.
func (r *Repository) InsertProgram(ctx context.Context, p model.Program) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO programs (id, code, name, faculty, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Code, p.Name, p.Faculty, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return model.ErrConflict
	}
	return err
}

// UpdateProgram overwrites code, name and faculty.
func (r *Repository) UpdateProgram(ctx context.Context, p model.Program) error {
	err := affected(r.db.ExecContext(ctx, `
		UPDATE programs SET code = $1, name = $2, faculty = $3, updated_at = $4
		WHERE id = $5
	`, p.Code, p.Name, p.Faculty, p.UpdatedAt.UTC(), p.ID))
	if isUniqueViolation(err) {
		return model.ErrConflict
	}
	return err
}

// DeleteProgram removes a program.
func (r *Repository) DeleteProgram(ctx context.Context, id string) error {
	return affected(r.db.ExecContext(ctx, `DELETE FROM programs WHERE id = $1`, id))
}

// ---- students ----

const studentColumns = `id, name, class, nis, uid, program_id, is_active, created_at, updated_at`

func scanStudent(row interface{ Scan(...any) error }) (model.Student, error) {
	var s model.Student
	err := row.Scan(&s.ID, &s.Name, &s.Class, &s.NIS, &s.UID, &s.ProgramID, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// ListStudents returns all students ordered by name.
func (r *Repository) ListStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students ORDER BY name, nis`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	students := []model.Student{}
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

// GetStudent returns a student or ErrNotFound.
func (r *Repository) GetStudent(ctx context.Context, id string) (model.Student, error) {
	s, err := scanStudent(r.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, model.ErrNotFound
	}
	return s, err
}

// StudentByUID looks a student up by canonical card id. A miss is
// (nil, nil).
func (r *Repository) StudentByUID(ctx context.Context, uid string) (*model.Student, error) {
	s, err := scanStudent(r.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE uid = $1`, uid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// InsertStudent writes a new student. A taken NIS or uid yields ErrConflict.
func (r *Repository) InsertStudent(ctx context.Context, s model.Student) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, name, class, nis, uid, program_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.Name, s.Class, s.NIS, s.UID, s.ProgramID, s.IsActive, s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return model.ErrConflict
	}
	return err
}

// UpdateStudent overwrites every mutable column of s.
func (r *Repository) UpdateStudent(ctx context.Context, s model.Student) error {
	err := affected(r.db.ExecContext(ctx, `
		UPDATE students
		SET name = $1, class = $2, nis = $3, uid = $4, program_id = $5, is_active = $6, updated_at = $7
		WHERE id = $8
	`, s.Name, s.Class, s.NIS, s.UID, s.ProgramID, s.IsActive, s.UpdatedAt.UTC(), s.ID))
	if isUniqueViolation(err) {
		return model.ErrConflict
	}
	return err
}

// DeleteStudent removes a student. Their attendance rows keep the name and
// lose the student reference.
func (r *Repository) DeleteStudent(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE attendance SET student_id = NULL WHERE student_id = $1`, id); err != nil {
		return err
	}
	return affected(r.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id))
}

// ---- attendance ----

const attendanceColumns = `id, uid, student_id, student_name, class, status, source, day, occurred_at`

func scanAttendance(row interface{ Scan(...any) error }) (model.AttendanceRecord, error) {
	var a model.AttendanceRecord
	err := row.Scan(&a.ID, &a.UID, &a.StudentID, &a.StudentName, &a.Class, &a.Status, &a.Source, &a.Day, &a.Timestamp)
	return a, err
}

// InsertAttendance writes a record under dedupKey. A second record with the
// same key on the same day yields ErrDuplicateToday.
func (r *Repository) InsertAttendance(ctx context.Context, a model.AttendanceRecord, dedupKey string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, uid, student_id, student_name, class, status, source, dedup_key, day, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.UID, a.StudentID, a.StudentName, a.Class, a.Status, a.Source, dedupKey, a.Day, a.Timestamp.UTC())
	if isUniqueViolation(err) {
		return model.ErrDuplicateToday
	}
	return err
}

// ListAttendance returns the newest records matching f.
func (r *Repository) ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT ` + attendanceColumns + ` FROM attendance`
	args := []any{}
	clauses := []string{}
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, clause+" = $"+strconv.Itoa(len(args)))
	}
	if f.Date != "" {
		add("day", f.Date)
	}
	if f.StudentID != "" {
		add("student_id", f.StudentID)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, f.Limit)
	query += " ORDER BY occurred_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []model.AttendanceRecord{}
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, a)
	}
	return records, rows.Err()
}

// GetAttendance returns a record or ErrNotFound.
func (r *Repository) GetAttendance(ctx context.Context, id string) (model.AttendanceRecord, error) {
	a, err := scanAttendance(r.db.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendance WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.AttendanceRecord{}, model.ErrNotFound
	}
	return a, err
}

// DeleteAttendance removes one record.
func (r *Repository) DeleteAttendance(ctx context.Context, id string) error {
	return affected(r.db.ExecContext(ctx, `DELETE FROM attendance WHERE id = $1`, id))
}

// DeleteAllAttendance clears the attendance table.
func (r *Repository) DeleteAllAttendance(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus counts the records of day per status.
func (r *Repository) CountByStatus(ctx context.Context, day string) (model.AttendanceStats, error) {
	var stats model.AttendanceStats
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM attendance WHERE day = $1 GROUP BY status`, day)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.Add(status, n)
	}
	return stats, rows.Err()
}
