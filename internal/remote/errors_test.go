package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/api/googleapi"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil passes through", err: nil, want: nil},
		{name: "context cancelled passes through", err: context.Canceled, want: context.Canceled},
		{name: "deadline passes through", err: context.DeadlineExceeded, want: context.DeadlineExceeded},
		{name: "401 is auth expired", err: &googleapi.Error{Code: 401}, want: ErrAuthExpired},
		{name: "403 is auth expired", err: &googleapi.Error{Code: 403}, want: ErrAuthExpired},
		{name: "500 is transient", err: &googleapi.Error{Code: 500}, want: ErrTransient},
		{name: "503 is transient", err: &googleapi.Error{Code: 503}, want: ErrTransient},
		{name: "network error is transient", err: fmt.Errorf("connection refused"), want: ErrTransient},
		{name: "wrapped 401", err: fmt.Errorf("find: %w", &googleapi.Error{Code: 401}), want: ErrAuthExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if tt.want == nil {
				if got != nil {
					t.Errorf("classify(nil) = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify404NotRetryable(t *testing.T) {
	got := classify(&googleapi.Error{Code: 404})
	if errors.Is(got, ErrTransient) || errors.Is(got, ErrAuthExpired) {
		t.Errorf("404 classified as retryable/auth: %v", got)
	}
	if got == nil {
		t.Error("404 classified as success")
	}
}
