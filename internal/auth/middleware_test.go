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

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newManager(t)

	var gotUser, gotRealm string
	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		gotUser, _ = UserID(c.Request.Context())
		gotRealm, _ = Realm(c.Request.Context())
		c.Status(http.StatusOK)
	})

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer not-a-jwt"))

	pair, err := m.IssuePair(time.Now(), "op-1", "acme", "operator")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call("Bearer "+pair.RefreshToken), "refresh tokens are not access tokens")

	require.Equal(t, http.StatusOK, call("Bearer "+pair.AccessToken))
	assert.Equal(t, "op-1", gotUser)
	assert.Equal(t, "acme", gotRealm)
}
