package attendance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/queue"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var wib = time.FixedZone("WIB", 7*3600)

func newTestService(t *testing.T, opts ...Option) (*Service, *clock) {
	t.Helper()
	db, err := store.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{t: time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithLocation(wib), WithClock(c.now)}, opts...)
	return NewService(NewRepository(db.Client), opts...), c
}

func mustStudent(t *testing.T, s *Service, name, nis, uid string) model.Student {
	t.Helper()
	st, err := s.CreateStudent(context.Background(), model.StudentInput{Name: name, Class: "3A", NIS: nis, UID: uid})
	require.NoError(t, err)
	return st
}

func present(st model.Student) model.AttendanceInput {
	return model.AttendanceInput{
		UID:         st.UID,
		StudentID:   &st.ID,
		StudentName: st.Name,
		Class:       st.Class,
		Status:      model.StatusPresent,
		Source:      "test",
	}
}

func TestCreateAttendanceOncePerStudentPerDay(t *testing.T) {
	ctx := context.Background()
	s, c := newTestService(t)
	jane := mustStudent(t, s, "Jane Doe", "12345", "ab cd ef")

	first, err := s.CreateAttendance(ctx, present(jane))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", first.Day)
	assert.Equal(t, "ABCDEF", first.UID)

	c.advance(3 * time.Hour)
	_, err = s.CreateAttendance(ctx, present(jane))
	assert.ErrorIs(t, err, model.ErrDuplicateToday)

	records, err := s.ListAttendance(ctx, model.AttendanceFilter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// 17:00 UTC is already the next day in WIB
	c.t = time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC)
	second, err := s.CreateAttendance(ctx, present(jane))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-02", second.Day)
}

func TestManualEntryBlocksLaterScanSameDay(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	jane := mustStudent(t, s, "Jane Doe", "12345", "ABCDEF")

	excused := present(jane)
	excused.Status = model.StatusExcused
	excused.Source = "dashboard"
	_, err := s.CreateAttendance(ctx, excused)
	require.NoError(t, err)

	_, err = s.CreateAttendance(ctx, present(jane))
	assert.ErrorIs(t, err, model.ErrDuplicateToday, "one record per student per day, whatever its status")

	stats, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, model.AttendanceStats{Total: 1, Izin: 1}, stats)
}

func TestCreateAttendanceUnknownCardKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	in := model.AttendanceInput{
		UID:         "dead01",
		StudentName: model.UnknownName,
		Class:       model.UnknownName,
		Status:      model.StatusRejected,
		DedupKey:    "UNKNOWN-DEAD01",
	}
	rec, err := s.CreateAttendance(ctx, in)
	require.NoError(t, err)
	assert.Nil(t, rec.StudentID)

	_, err = s.CreateAttendance(ctx, in)
	assert.ErrorIs(t, err, model.ErrDuplicateToday)

	in.UID, in.DedupKey = "DEAD02", "UNKNOWN-DEAD02"
	_, err = s.CreateAttendance(ctx, in)
	assert.NoError(t, err)
}

func TestCreateAttendanceValidation(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.CreateAttendance(context.Background(), model.AttendanceInput{UID: "AA", StudentName: "x", Status: "LATE"})
	assert.ErrorIs(t, err, model.ErrInvalid)
	_, err = s.CreateAttendance(context.Background(), model.AttendanceInput{StudentName: "x"})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestCreateAttendancePublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := queue.NewInMemory(4)
	s, _ := newTestService(t, WithQueue(q))
	jane := mustStudent(t, s, "Jane", "1", "AA01")

	rec, err := s.CreateAttendance(ctx, present(jane))
	require.NoError(t, err)

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	select {
	case m := <-msgs:
		assert.Equal(t, queue.TypeAttendanceCreated, m.Type)
		var got model.AttendanceRecord
		require.NoError(t, json.Unmarshal(m.Body, &got))
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("nothing published")
	}
}

func TestStudentConflictsAndLookup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	jane := mustStudent(t, s, "Jane", "12345", " ab12cd ")
	assert.Equal(t, "AB12CD", jane.UID)
	assert.True(t, jane.IsActive)

	_, err := s.CreateStudent(ctx, model.StudentInput{Name: "Other", Class: "3B", NIS: "12345", UID: "FFFF"})
	assert.ErrorIs(t, err, model.ErrConflict, "nis taken")
	_, err = s.CreateStudent(ctx, model.StudentInput{Name: "Other", Class: "3B", NIS: "999", UID: "AB12cd"})
	assert.ErrorIs(t, err, model.ErrConflict, "uid taken")
	_, err = s.CreateStudent(ctx, model.StudentInput{Name: "Other"})
	assert.ErrorIs(t, err, model.ErrInvalid)

	hit, err := s.LookupCard(ctx, "ab 12 cd")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, jane.ID, hit.ID)

	miss, err := s.LookupCard(ctx, "0000")
	assert.NoError(t, err)
	assert.Nil(t, miss)
}

func TestUpdateAndDeleteStudent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	jane := mustStudent(t, s, "Jane", "1", "AA01")
	mustStudent(t, s, "John", "2", "AA02")

	name, uid := "Jane Doe", "aa03"
	updated, err := s.UpdateStudent(ctx, jane.ID, model.StudentPatch{Name: &name, UID: &uid})
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", updated.Name)
	assert.Equal(t, "AA03", updated.UID)

	taken := "AA02"
	_, err = s.UpdateStudent(ctx, jane.ID, model.StudentPatch{UID: &taken})
	assert.ErrorIs(t, err, model.ErrConflict)

	missing := "nope"
	_, err = s.UpdateStudent(ctx, jane.ID, model.StudentPatch{ProgramID: &missing})
	assert.ErrorIs(t, err, model.ErrInvalid)

	_, err = s.CreateAttendance(ctx, present(updated))
	require.NoError(t, err)
	require.NoError(t, s.DeleteStudent(ctx, jane.ID))
	assert.ErrorIs(t, s.DeleteStudent(ctx, jane.ID), model.ErrNotFound)

	records, err := s.ListAttendance(ctx, model.AttendanceFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].StudentID)
	assert.Equal(t, "Jane Doe", records[0].StudentName)
}

func TestProgramRules(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	p, err := s.CreateProgram(ctx, model.ProgramInput{Code: " ti ", Name: "Teknik Informatika"})
	require.NoError(t, err)
	assert.Equal(t, "TI", p.Code)

	_, err = s.CreateProgram(ctx, model.ProgramInput{Code: "Ti", Name: "Duplicate"})
	assert.ErrorIs(t, err, model.ErrConflict)

	st, err := s.CreateStudent(ctx, model.StudentInput{Name: "Jane", Class: "3A", NIS: "1", UID: "AA", ProgramID: &p.ID})
	require.NoError(t, err)

	got, err := s.GetProgram(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.StudentCount)

	assert.ErrorIs(t, s.DeleteProgram(ctx, p.ID), model.ErrInvalid)
	require.NoError(t, s.DeleteStudent(ctx, st.ID))
	require.NoError(t, s.DeleteProgram(ctx, p.ID))
	assert.ErrorIs(t, s.DeleteProgram(ctx, p.ID), model.ErrNotFound)
}

func TestListFiltersAndStats(t *testing.T) {
	ctx := context.Background()
	s, c := newTestService(t)
	jane := mustStudent(t, s, "Jane", "1", "AA01")
	john := mustStudent(t, s, "John", "2", "AA02")
	ann := mustStudent(t, s, "Ann", "3", "AA03")

	_, err := s.CreateAttendance(ctx, present(jane))
	require.NoError(t, err)
	c.advance(time.Minute)
	excused := present(john)
	excused.Status = "izin"
	_, err = s.CreateAttendance(ctx, excused)
	require.NoError(t, err)
	c.advance(24 * time.Hour)
	_, err = s.CreateAttendance(ctx, present(ann))
	require.NoError(t, err)

	all, err := s.ListAttendance(ctx, model.AttendanceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Ann", all[0].StudentName, "newest first")

	day, err := s.ListAttendance(ctx, model.AttendanceFilter{Date: "2024-03-01", Status: "hadir"})
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.Equal(t, "Jane", day[0].StudentName)

	byStudent, err := s.ListAttendance(ctx, model.AttendanceFilter{StudentID: john.ID})
	require.NoError(t, err)
	assert.Len(t, byStudent, 1)

	_, err = s.ListAttendance(ctx, model.AttendanceFilter{Date: "01/03/2024"})
	assert.ErrorIs(t, err, model.ErrInvalid)

	stats, err := s.Stats(ctx, "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, model.AttendanceStats{Total: 2, Hadir: 1, Izin: 1}, stats)

	today, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, today.Total)

	require.NoError(t, s.DeleteAttendance(ctx, all[0].ID))
	assert.ErrorIs(t, s.DeleteAttendance(ctx, all[0].ID), model.ErrNotFound)
	n, err := s.DeleteAllAttendance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestRefreshTokenRotation(t *testing.T) {
	ctx := context.Background()
	s, c := newTestService(t)
	require.NoError(t, s.RegisterDevice(ctx, "reader-1"))
	require.NoError(t, s.RegisterDevice(ctx, "reader-1"), "registration is idempotent")
	assert.ErrorIs(t, s.RegisterDevice(ctx, " "), model.ErrInvalid)

	require.NoError(t, s.SaveRefreshToken(ctx, "reader-1", "tok-1", c.now().Add(time.Hour)))
	device, err := s.RotateRefreshToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "reader-1", device)

	_, err = s.RotateRefreshToken(ctx, "tok-1")
	assert.ErrorIs(t, err, model.ErrNotFound, "revoked")

	require.NoError(t, s.SaveRefreshToken(ctx, "reader-1", "tok-2", c.now().Add(time.Minute)))
	c.advance(2 * time.Minute)
	_, err = s.RotateRefreshToken(ctx, "tok-2")
	assert.ErrorIs(t, err, model.ErrNotFound, "expired")
}
