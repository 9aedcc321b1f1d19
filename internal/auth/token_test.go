package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func newProtectedRouter(t *testing.T, tokenHash string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/exec", TokenAuth(tokenHash), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

func hashToken(t *testing.T, token string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword returned error: %v", err)
	}
	return string(hash)
}

func TestTokenAuthEmptyHashSkipsCheck(t *testing.T) {
	router := newProtectedRouter(t, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/exec", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without a configured hash", w.Code)
	}
}

func TestTokenAuthAcceptsValidToken(t *testing.T) {
	router := newProtectedRouter(t, hashToken(t, "secret-token"))

	req := httptest.NewRequest(http.MethodGet, "/exec", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a valid token", w.Code)
	}
}

func TestTokenAuthRejectsMissingHeader(t *testing.T) {
	router := newProtectedRouter(t, hashToken(t, "secret-token"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/exec", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a token", w.Code)
	}
}

func TestTokenAuthRejectsWrongToken(t *testing.T) {
	router := newProtectedRouter(t, hashToken(t, "secret-token"))

	req := httptest.NewRequest(http.MethodGet, "/exec", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a wrong token", w.Code)
	}
}

func TestTokenAuthRejectsNonBearerScheme(t *testing.T) {
	router := newProtectedRouter(t, hashToken(t, "secret-token"))

	req := httptest.NewRequest(http.MethodGet, "/exec", nil)
	req.Header.Set("Authorization", "Basic secret-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a non-Bearer scheme", w.Code)
	}
}
