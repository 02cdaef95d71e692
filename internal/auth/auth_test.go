package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "qrattend-test"
)

func mustIssue(t *testing.T, subject, role string, ttl time.Duration) string {
	t.Helper()
	tok, err := Issue(subject, role, testIssuer, testKey, ttl, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok.AccessToken
}

func TestIssueAndParse(t *testing.T) {
	tok := mustIssue(t, "T1", RoleInstructor, time.Hour)
	claims, err := Parse(tok, testKey, testIssuer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "T1" || claims.Role != RoleInstructor {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseRejects(t *testing.T) {
	good := mustIssue(t, "S1", RoleStudent, time.Hour)
	expired, err := Issue("S1", RoleStudent, testIssuer, testKey, time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name, token, key, issuer string
	}{
		{"wrong key", good, "other-key", testIssuer},
		{"wrong issuer", good, testKey, "someone-else"},
		{"expired", expired.AccessToken, testKey, testIssuer},
		{"garbage", "not.a.jwt", testKey, testIssuer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.token, tc.key, tc.issuer); err == nil {
				t.Fatal("Parse accepted the token")
			}
		})
	}
	if _, err := Parse(good, testKey, "someone-else"); !errors.Is(err, ErrIssuerMismatch) {
		t.Errorf("wrong issuer error = %v, want ErrIssuerMismatch", err)
	}
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	if _, err := Issue("X", "admin", testIssuer, testKey, time.Hour, time.Now()); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("Issue(admin) error = %v", err)
	}
}

func TestBearerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/instructor", Bearer(testKey, testIssuer, RoleInstructor), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, claims.Subject)
	})

	instructor := mustIssue(t, "T1", RoleInstructor, time.Hour)
	student := mustIssue(t, "S1", RoleStudent, time.Hour)

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"header", "Bearer " + instructor, "", http.StatusOK},
		{"lowercase scheme", "bearer " + instructor, "", http.StatusOK},
		{"query token", "", "?token=" + instructor, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong role", "Bearer " + student, "", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/instructor"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
			if tc.want == http.StatusOK && w.Body.String() != "T1" {
				t.Errorf("subject = %q", w.Body.String())
			}
		})
	}
}
