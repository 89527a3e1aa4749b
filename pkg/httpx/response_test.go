package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type pingRequest struct {
	Event string `json:"event" binding:"required"`
}

func bind(t *testing.T, body string) error {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	var req pingRequest
	return BindJSON(c, &req)
}

func TestBindJSON(t *testing.T) {
	if err := bind(t, `{"event":"MESSAGE_CREATE"}`); err != nil {
		t.Fatalf("valid body: %v", err)
	}

	err := bind(t, `{}`)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("missing field: %v", err)
	}
	if !strings.Contains(err.Error(), "event failed on required") {
		t.Errorf("message = %q", err.Error())
	}

	if err := bind(t, `{"event":`); !errors.Is(err, ErrBadRequest) {
		t.Errorf("truncated body: %v", err)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrBadRequest, http.StatusBadRequest},
		{errors.New("store down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
