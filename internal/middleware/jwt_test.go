package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/auth-gateway/internal/models"
	appErrors "github.com/noah-isme/auth-gateway/pkg/errors"
)

type validatorStub struct {
	principal *models.AuthenticatedPrincipal
	err       error
	seen      string
}

func (v *validatorStub) ValidateAccess(token string) (*models.AuthenticatedPrincipal, error) {
	v.seen = token
	return v.principal, v.err
}

func newJWTRouter(v *validatorStub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWT(v), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": Principal(c).UserID})
	})
	return r
}

func TestJWTAcceptsBearerToken(t *testing.T) {
	v := &validatorStub{principal: &models.AuthenticatedPrincipal{UserID: "user-1"}}
	r := newJWTRouter(v)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer abc.def.ghi")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc.def.ghi", v.seen)
	assert.Contains(t, rec.Body.String(), "user-1")
}

func TestJWTRejectsMissingOrMalformedHeader(t *testing.T) {
	r := newJWTRouter(&validatorStub{})

	for _, header := range []string{"", "Basic Zm9vOmJhcg==", "Bearer", "Bearer   "} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "UNAUTHORIZED", body["error_code"])
	}
}

func TestJWTPropagatesValidationError(t *testing.T) {
	r := newJWTRouter(&validatorStub{err: appErrors.ErrTokenExpired})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer expired")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "TOKEN_EXPIRED")
}
