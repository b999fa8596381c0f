package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner() *Signer {
	return NewSigner("attendance-api", "test-key", 15*time.Minute, 24*time.Hour)
}

func TestIssueAndParse(t *testing.T) {
	s := testSigner()
	pair, err := s.Issue("reader-1", RoleDevice)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	claims, err := s.Parse(pair.AccessToken, UseAccess)
	require.NoError(t, err)
	assert.Equal(t, "reader-1", claims.Subject)
	assert.Equal(t, RoleDevice, claims.Role)

	_, err = s.Parse(pair.RefreshToken, UseAccess)
	assert.ErrorIs(t, err, ErrWrongUse)
	_, err = s.Parse(pair.AccessToken, UseRefresh)
	assert.ErrorIs(t, err, ErrWrongUse)

	again, err := s.Issue("reader-1", RoleDevice)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, again.RefreshToken)
}

func TestParseRejects(t *testing.T) {
	s := testSigner()
	pair, err := s.Issue("reader-1", RoleDevice)
	require.NoError(t, err)

	other := NewSigner("attendance-api", "other-key", time.Minute, time.Minute)
	_, err = other.Parse(pair.AccessToken, UseAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := NewSigner("someone-else", "test-key", time.Minute, time.Minute)
	_, err = foreign.Parse(pair.AccessToken, UseAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	late := testSigner()
	late.Now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = late.Parse(pair.AccessToken, UseAccess)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")

	_, err = s.Parse("not-a-token", UseAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"BEARER abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestDeviceAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := testSigner()
	r := gin.New()
	r.GET("/me", DeviceAuth(s), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	pair, err := s.Issue("reader-1", RoleDevice)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"access token", "Bearer " + pair.AccessToken, http.StatusOK},
		{"refresh token", "Bearer " + pair.RefreshToken, http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer x.y.z", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "reader-1", w.Body.String())
			}
		})
	}
}
