package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/metrics"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/queue"
)

// DayLayout is the calendar day format used for dedup and filters.
const DayLayout = "2006-01-02"

// Service applies the directory and attendance rules on top of the
// repository.
type Service struct {
	repo  *Repository
	queue queue.Queue
	loc   *time.Location
	now   func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithQueue publishes an attendance.created message for each new record.
func WithQueue(q queue.Queue) Option { return func(s *Service) { s.queue = q } }

// WithLocation sets the time zone calendar days are computed in.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a service backed by a repository.
func NewService(repo *Repository, opts ...Option) *Service {
	s := &Service{repo: repo, loc: time.Local, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Day returns the calendar day of t in the service time zone.
func (s *Service) Day(t time.Time) string {
	return t.In(s.loc).Format(DayLayout)
}

// ---- devices ----

// RegisterDevice validates and persists device metadata.
func (s *Service) RegisterDevice(ctx context.Context, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return fmt.Errorf("%w: device id required", model.ErrInvalid)
	}
	return s.repo.UpsertDevice(ctx, deviceID)
}

// SaveRefreshToken records an issued refresh token.
func (s *Service) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	return s.repo.SaveRefreshToken(ctx, deviceID, token, expiresAt)
}

// RotateRefreshToken revokes token and returns the device it belonged to.
// Unknown, revoked and expired tokens yield ErrNotFound.
func (s *Service) RotateRefreshToken(ctx context.Context, token string) (string, error) {
	return s.repo.RevokeRefreshToken(ctx, token, s.now())
}

// ---- programs ----

func (s *Service) ListPrograms(ctx context.Context) ([]model.Program, error) {
	return s.repo.ListPrograms(ctx)
}

func (s *Service) GetProgram(ctx context.Context, id string) (model.Program, error) {
	return s.repo.GetProgram(ctx, id)
}

// CreateProgram stores a program with an uppercased code.
func (s *Service) CreateProgram(ctx context.Context, in model.ProgramInput) (model.Program, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return model.Program{}, err
	}
	now := s.now().UTC()
	p := model.Program{
		ID:        uuid.NewString(),
		Code:      in.Code,
		Name:      in.Name,
		Faculty:   in.Faculty,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertProgram(ctx, p); err != nil {
		return model.Program{}, fmt.Errorf("program %s: %w", p.Code, err)
	}
	return p, nil
}

// UpdateProgram replaces code, name and faculty of a program.
func (s *Service) UpdateProgram(ctx context.Context, id string, in model.ProgramInput) (model.Program, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return model.Program{}, err
	}
	p, err := s.repo.GetProgram(ctx, id)
	if err != nil {
		return model.Program{}, err
	}
	p.Code, p.Name, p.Faculty = in.Code, in.Name, in.Faculty
	p.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateProgram(ctx, p); err != nil {
		return model.Program{}, fmt.Errorf("program %s: %w", p.Code, err)
	}
	return p, nil
}

// DeleteProgram removes a program that no student belongs to.
func (s *Service) DeleteProgram(ctx context.Context, id string) error {
	p, err := s.repo.GetProgram(ctx, id)
	if err != nil {
		return err
	}
	if p.StudentCount > 0 {
		return fmt.Errorf("%w: program %s still has %d students", model.ErrInvalid, p.Code, p.StudentCount)
	}
	return s.repo.DeleteProgram(ctx, id)
}

// ---- students ----

func (s *Service) ListStudents(ctx context.Context) ([]model.Student, error) {
	return s.repo.ListStudents(ctx)
}

func (s *Service) GetStudent(ctx context.Context, id string) (model.Student, error) {
	return s.repo.GetStudent(ctx, id)
}

// LookupCard finds the student holding a card. A miss is (nil, nil).
func (s *Service) LookupCard(ctx context.Context, uid string) (*model.Student, error) {
	uid = model.CanonUID(uid)
	if uid == "" {
		return nil, fmt.Errorf("%w: uid required", model.ErrInvalid)
	}
	return s.repo.StudentByUID(ctx, uid)
}

// CreateStudent stores a student. NIS and card id must be unused.
func (s *Service) CreateStudent(ctx context.Context, in model.StudentInput) (model.Student, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return model.Student{}, err
	}
	if err := s.checkProgram(ctx, in.ProgramID); err != nil {
		return model.Student{}, err
	}
	now := s.now().UTC()
	st := model.Student{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Class:     in.Class,
		NIS:       in.NIS,
		UID:       in.UID,
		ProgramID: in.ProgramID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertStudent(ctx, st); err != nil {
		return model.Student{}, fmt.Errorf("student nis %s uid %s: %w", st.NIS, st.UID, err)
	}
	return st, nil
}

// UpdateStudent applies a patch to a student.
func (s *Service) UpdateStudent(ctx context.Context, id string, patch model.StudentPatch) (model.Student, error) {
	st, err := s.repo.GetStudent(ctx, id)
	if err != nil {
		return model.Student{}, err
	}
	st = patch.Apply(st)
	in := model.StudentInput{Name: st.Name, Class: st.Class, NIS: st.NIS, UID: st.UID}
	if err := in.Validate(); err != nil {
		return model.Student{}, err
	}
	if patch.ProgramID != nil {
		if err := s.checkProgram(ctx, st.ProgramID); err != nil {
			return model.Student{}, err
		}
	}
	st.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateStudent(ctx, st); err != nil {
		return model.Student{}, fmt.Errorf("student %s: %w", id, err)
	}
	return st, nil
}

func (s *Service) DeleteStudent(ctx context.Context, id string) error {
	return s.repo.DeleteStudent(ctx, id)
}

func (s *Service) checkProgram(ctx context.Context, id *string) error {
	if id == nil {
		return nil
	}
	if _, err := s.repo.GetProgram(ctx, *id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: unknown program %s", model.ErrInvalid, *id)
		}
		return err
	}
	return nil
}

// ---- attendance ----

// CreateAttendance records a scan. At most one record per dedup key and
// calendar day is stored; a second one fails with model.ErrDuplicateToday.
func (s *Service) CreateAttendance(ctx context.Context, in model.AttendanceInput) (model.AttendanceRecord, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return model.AttendanceRecord{}, err
	}
	now := s.now()
	rec := model.AttendanceRecord{
		ID:          uuid.NewString(),
		UID:         in.UID,
		StudentID:   in.StudentID,
		StudentName: in.StudentName,
		Class:       in.Class,
		Status:      in.Status,
		Source:      in.Source,
		Day:         s.Day(now),
		Timestamp:   now.UTC(),
	}
	if err := s.repo.InsertAttendance(ctx, rec, in.Key()); err != nil {
		return model.AttendanceRecord{}, err
	}
	s.publish(ctx, rec)
	return rec, nil
}

func (s *Service) publish(ctx context.Context, rec model.AttendanceRecord) {
	if s.queue == nil {
		return
	}
	body, err := json.Marshal(rec)
	if err != nil {
		log.Printf("attendance %s encode: %v", rec.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.queue.Publish(ctx, queue.Message{Type: queue.TypeAttendanceCreated, Body: body}); err != nil {
		metrics.QueuePublishFailures.Inc()
		log.Printf("queue publish failed: attendance %s: %v", rec.ID, err)
	}
}

// ListAttendance returns the newest records matching f, at most 100.
func (s *Service) ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	if f.Date != "" {
		if _, err := time.Parse(DayLayout, f.Date); err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", model.ErrInvalid)
		}
	}
	f.Status = strings.ToUpper(strings.TrimSpace(f.Status))
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}
	return s.repo.ListAttendance(ctx, f)
}

func (s *Service) GetAttendance(ctx context.Context, id string) (model.AttendanceRecord, error) {
	return s.repo.GetAttendance(ctx, id)
}

func (s *Service) DeleteAttendance(ctx context.Context, id string) error {
	return s.repo.DeleteAttendance(ctx, id)
}

// DeleteAllAttendance clears every record and returns how many were removed.
func (s *Service) DeleteAllAttendance(ctx context.Context) (int64, error) {
	return s.repo.DeleteAllAttendance(ctx)
}

// Stats counts the records of date (YYYY-MM-DD), today when empty.
func (s *Service) Stats(ctx context.Context, date string) (model.AttendanceStats, error) {
	if date == "" {
		date = s.Day(s.now())
	} else if _, err := time.Parse(DayLayout, date); err != nil {
		return model.AttendanceStats{}, fmt.Errorf("%w: date must be YYYY-MM-DD", model.ErrInvalid)
	}
	return s.repo.CountByStatus(ctx, date)
}
