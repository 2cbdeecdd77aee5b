package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStartupCompleteChecker(t *testing.T) {
	checker := NewStartupCompleteChecker()
	assert.Error(t, checker.Check())
	checker.MarkComplete()
	assert.NoError(t, checker.Check())
}

func TestMultiChecker(t *testing.T) {
	tests := map[string]struct {
		checkers    []Checker
		expectedErr string
	}{
		"no checkers": {},
		"all pass": {
			checkers: []Checker{FuncChecker(func() error { return nil }), FuncChecker(func() error { return nil })},
		},
		"failures are joined": {
			checkers: []Checker{
				FuncChecker(func() error { return errors.New("first") }),
				FuncChecker(func() error { return nil }),
				FuncChecker(func() error { return errors.New("second") }),
			},
			expectedErr: "first\nsecond",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := NewMultiChecker(tc.checkers...).Check()
			if tc.expectedErr == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tc.expectedErr)
			}
		})
	}
}

func TestHealthCheckHttpHandler(t *testing.T) {
	startup := NewStartupCompleteChecker()
	mux := http.NewServeMux()
	SetupHttpMux(mux, NewMultiChecker(startup))

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "startup is not complete", recorder.Body.String())

	startup.MarkComplete()
	recorder = httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, recorder.Code)
}
