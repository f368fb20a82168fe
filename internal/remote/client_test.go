package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"
)

func testClient() *Client {
	return NewClient(&Config{
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	})
}

func TestWithRetryRetriesTransient(t *testing.T) {
	c := testClient()

	attempts := 0
	err := c.withRetry(context.Background(), "test", func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: flaky", ErrTransient)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry returned %v after recovery", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	c := testClient()

	attempts := 0
	err := c.withRetry(context.Background(), "test", func() error {
		attempts++
		return fmt.Errorf("%w: always down", ErrTransient)
	})
	if !errors.Is(err, ErrTransient) {
		t.Errorf("withRetry returned %v, want ErrTransient", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryNeverRetriesAuth(t *testing.T) {
	c := testClient()

	attempts := 0
	err := c.withRetry(context.Background(), "test", func() error {
		attempts++
		return fmt.Errorf("%w: rejected", ErrAuthExpired)
	})
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("withRetry returned %v, want ErrAuthExpired", err)
	}
	if attempts != 1 {
		t.Errorf("auth failure retried: %d attempts", attempts)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	c := NewClient(&Config{
		MaxRetries:   5,
		RetryBackoff: time.Hour,
		Logger:       log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.withRetry(ctx, "test", func() error {
		return fmt.Errorf("%w: down", ErrTransient)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("withRetry returned %v, want context.Canceled", err)
	}
}
