// Package auth runs the OAuth authorization flow that supplies the
// bearer token consumed by the sync engine.
//
// The flow is modeled as a single blocking call: it opens a local
// callback listener, prints the consent URL, and waits for the redirect.
// A user who denies or abandons the consent screen produces
// ErrAuthCancelled, never a hang. Token refresh is not handled here;
// when the credential expires the engine reports it and the UI layer
// re-runs this flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
)

// ErrAuthCancelled means the user denied consent or closed the
// authorization page before completing it.
var ErrAuthCancelled = errors.New("authorization cancelled")

// DefaultTimeout bounds how long the flow waits for the user.
const DefaultTimeout = 5 * time.Minute

// Config holds flow configuration.
type Config struct {
	// CredentialsFile is the Google API client credentials JSON
	// (client_id, client_secret, redirect URIs).
	CredentialsFile string

	// CallbackPort is the local port the redirect listener binds to.
	CallbackPort int

	// Timeout bounds the wait for user consent (default: DefaultTimeout).
	Timeout time.Duration
}

// Authorize runs the authorization code flow and returns the bearer
// access token. The flow requests only the Drive appDataFolder scope.
func Authorize(ctx context.Context, config Config) (string, error) {
	oauthCfg, err := loadOAuthConfig(config)
	if err != nil {
		return "", err
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", config.CallbackPort))
	if err != nil {
		return "", fmt.Errorf("failed to start callback listener: %w", err)
	}
	defer listener.Close()

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if denied := q.Get("error"); denied != "" {
				http.Error(w, "Authorization was denied. You can close this window.", http.StatusOK)
				errCh <- fmt.Errorf("%w: %s", ErrAuthCancelled, denied)
				return
			}
			code := q.Get("code")
			if code == "" {
				http.Error(w, "Authorization code missing", http.StatusBadRequest)
				errCh <- fmt.Errorf("%w: redirect carried no code", ErrAuthCancelled)
				return
			}
			fmt.Fprint(w, "Authorization complete. You can close this window.")
			codeCh <- code
		}),
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("callback server error: %w", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	oauthCfg.RedirectURL = fmt.Sprintf("http://%s", listener.Addr().String())
	authURL := oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(os.Stderr, "Open this URL in your browser to authorize taskkeep:\n\n  %s\n\n", authURL)

	select {
	case code := <-codeCh:
		exchangeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		tok, err := oauthCfg.Exchange(exchangeCtx, code)
		if err != nil {
			return "", fmt.Errorf("failed to exchange authorization code: %w", err)
		}
		return tok.AccessToken, nil

	case err := <-errCh:
		return "", err

	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrAuthCancelled, ctx.Err())

	case <-time.After(timeout):
		return "", fmt.Errorf("%w: timed out waiting for consent", ErrAuthCancelled)
	}
}

// loadOAuthConfig reads the client credentials file.
func loadOAuthConfig(config Config) (*oauth2.Config, error) {
	data, err := os.ReadFile(config.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", config.CredentialsFile, err)
	}
	cfg, err := google.ConfigFromJSON(data, drive.DriveAppdataScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return cfg, nil
}
