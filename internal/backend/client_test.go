package backend_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/api"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/attendance"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/auth"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/backend"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/store"
)

type testServer struct {
	URL  string
	skew atomic.Int64
}

// newServer runs the real API on sqlite. skew shifts the token clock.
func newServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := store.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ts := &testServer{}
	signer := auth.NewSigner("attendance-api", "test-key", 15*time.Minute, 24*time.Hour)
	signer.Now = func() time.Time { return time.Now().Add(time.Duration(ts.skew.Load())) }

	r := gin.New()
	api.New(attendance.NewService(attendance.NewRepository(db.Client)), signer, "secret", nil).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	ts.URL = srv.URL
	return ts
}

func TestClientAgainstAPI(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c := backend.New(srv.URL, "reader-1", "secret")

	jane, err := c.CreateStudent(ctx, model.StudentInput{Name: "Jane", Class: "3A", NIS: "1", UID: "04a1b2"})
	require.NoError(t, err, "first call registers on demand")
	assert.Equal(t, "04A1B2", jane.UID)

	_, err = c.CreateStudent(ctx, model.StudentInput{Name: "Copy", Class: "3A", NIS: "1", UID: "FF"})
	assert.ErrorIs(t, err, model.ErrConflict)

	got, err := c.LookupCard(ctx, "04A1B2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, jane.ID, got.ID)

	got, err = c.LookupCard(ctx, "DEADBEEF")
	require.NoError(t, err)
	assert.Nil(t, got)

	in := model.AttendanceInput{UID: jane.UID, StudentID: &jane.ID, StudentName: jane.Name, Class: jane.Class}
	rec, err := c.CreateAttendance(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPresent, rec.Status)
	assert.Equal(t, "reader-1", rec.Source)

	_, err = c.CreateAttendance(ctx, in)
	assert.ErrorIs(t, err, model.ErrDuplicateToday)

	records, err := c.ListAttendance(ctx, model.AttendanceFilter{StudentID: jane.ID})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	stats, err := c.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Hadir)

	n, err := c.DeleteAllAttendance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.ErrorIs(t, c.DeleteAttendance(ctx, rec.ID), model.ErrNotFound)

	p, err := c.CreateProgram(ctx, model.ProgramInput{Code: "ti", Name: "Teknik Informatika"})
	require.NoError(t, err)
	programs, err := c.ListPrograms(ctx)
	require.NoError(t, err)
	require.Len(t, programs, 1)
	assert.Equal(t, p.ID, programs[0].ID)
	require.NoError(t, c.DeleteProgram(ctx, p.ID))

	require.NoError(t, c.DeleteStudent(ctx, jane.ID))
	students, err := c.ListStudents(ctx)
	require.NoError(t, err)
	assert.Empty(t, students)
}

func TestClientRefreshesExpiredAccessToken(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c := backend.New(srv.URL, "reader-1", "secret")
	require.NoError(t, c.Register(ctx))

	srv.skew.Store(int64(20 * time.Minute))
	_, err := c.ListStudents(ctx)
	assert.NoError(t, err, "expired access token is refreshed and the call retried")
}

func TestClientRegisterRejected(t *testing.T) {
	srv := newServer(t)
	c := backend.New(srv.URL, "reader-1", "wrong")
	err := c.Register(context.Background())
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, backend.CodeUnauthorized, apiErr.Code)
}

func TestLookupCardBare404IsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/devices/register" {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := backend.New(srv.URL, "reader-1", "")
	got, err := c.LookupCard(context.Background(), "AA")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSentinelFor(t *testing.T) {
	assert.Equal(t, model.ErrDuplicateToday, backend.SentinelFor(backend.CodeDuplicateToday, http.StatusConflict))
	assert.Equal(t, model.ErrConflict, backend.SentinelFor("", http.StatusConflict))
	assert.Equal(t, model.ErrInvalid, backend.SentinelFor("", http.StatusUnprocessableEntity))
	assert.Nil(t, backend.SentinelFor("", http.StatusBadGateway))
}
