package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleHookFailFirstN(t *testing.T) {
	rc := &receiver{failFirstN: 2}

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{"title":"X"}`))
		rec := httptest.NewRecorder()
		rc.handleHook(rec, req)
		statuses = append(statuses, rec.Code)
	}

	want := []int{500, 500, 200, 200}
	for i, s := range statuses {
		if s != want[i] {
			t.Errorf("request %d: status = %d, want %d", i+1, s, want[i])
		}
	}
}

func TestHandleHookAlwaysOK(t *testing.T) {
	rc := &receiver{}

	req := httptest.NewRequest(http.MethodGet, "/hook?Title=X", nil)
	rec := httptest.NewRecorder()
	rc.handleHook(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short string unchanged", in: "hello", n: 10, want: "hello"},
		{name: "exact length unchanged", in: "hello", n: 5, want: "hello"},
		{name: "long string truncated", in: "hello world", n: 5, want: "hello..."},
		{name: "empty string", in: "", n: 5, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
