package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestStatusOf(t *testing.T) {
	base := NewError(http.StatusNotFound, "NotFound", errors.New("missing"))
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errors.New("bad"), http.StatusBadRequest},
		{"api error", base, http.StatusNotFound},
		{"wrapped api error", fmt.Errorf("lookup: %w", base), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteObject(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	WriteObject(c, gin.H{"ok": true}, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	WriteObject(c, nil, NewError(http.StatusServiceUnavailable, "QueueFull", errors.New("retry queue is full")))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
	var body ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != "QueueFull" || body.Error != "retry queue is full" {
		t.Errorf("body = %+v", body)
	}
}
