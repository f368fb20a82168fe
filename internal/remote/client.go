// Package remote implements the Google Drive backup client.
//
// The client manages exactly one named JSON object in the user's private
// appDataFolder: find-by-name, create/update-in-place, download, delete,
// and a lightweight last-modified lookup. Uploads always carry the full
// backup record, never a diff, so a partially applied write can never
// leave a half-merged remote object.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/taskkeep/taskkeep/internal/task"
)

// DefaultBackupName is the well-known file name of the remote backup.
const DefaultBackupName = "taskkeep-backup.json"

// appDataSpace is Drive's hidden per-application storage area.
const appDataSpace = "appDataFolder"

// Config holds client configuration.
type Config struct {
	// BackupName overrides the remote file name (default: DefaultBackupName).
	BackupName string

	// MaxRetries bounds retry attempts for transient failures (default: 3).
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per attempt (default: 500ms).
	RetryBackoff time.Duration

	// Logger for client activity (default: stderr).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackupName:   DefaultBackupName,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
		Logger:       log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Client talks to the Drive file API with a caller-supplied bearer token.
// The plaintext credential is only held for the duration of one call.
type Client struct {
	backupName string
	maxRetries int
	backoff    time.Duration
	logger     *log.Logger
}

// NewClient creates a Drive backup client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Client{
		backupName: config.BackupName,
		maxRetries: config.MaxRetries,
		backoff:    config.RetryBackoff,
		logger:     config.Logger,
	}
	if c.backupName == "" {
		c.backupName = DefaultBackupName
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return c
}

// service builds a Drive service bound to the given bearer token.
func (c *Client) service(ctx context.Context, token string) (*drive.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	srv, err := drive.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return srv, nil
}

// withRetry runs fn, retrying transient failures with doubling backoff.
// Auth and malformed-payload failures are never retried.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := c.backoff
	var err error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return err
		}
		c.logger.Printf("%s failed (attempt %d/%d): %v", op, attempt+1, c.maxRetries, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// FindBackup looks up the backup file by exact name.
// Returns the empty string when no backup exists; absence is not an error.
func (c *Client) FindBackup(ctx context.Context, token string) (string, error) {
	srv, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}

	var fileID string
	err = c.withRetry(ctx, "find", func() error {
		list, err := srv.Files.List().
			Q(fmt.Sprintf("name = '%s' and trashed = false", c.backupName)).
			Spaces(appDataSpace).
			Fields("files(id, name, modifiedTime)").
			Context(ctx).Do()
		if err != nil {
			return classify(err)
		}
		if len(list.Files) > 0 {
			fileID = list.Files[0].Id
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fileID, nil
}

// Upload writes the full backup record. With an existing file ID the
// object is updated in place; otherwise a new file is created in the
// appDataFolder. Returns the file ID of the remote object.
func (c *Client) Upload(ctx context.Context, token string, backup *task.Backup, existingFileID string) (string, error) {
	srv, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}

	body, err := backup.Encode()
	if err != nil {
		return "", err
	}

	var fileID string
	err = c.withRetry(ctx, "upload", func() error {
		if existingFileID == "" {
			meta := &drive.File{
				Name:     c.backupName,
				MimeType: "application/json",
				Parents:  []string{appDataSpace},
			}
			created, err := srv.Files.Create(meta).
				Media(bytes.NewReader(body)).
				Fields("id").
				Context(ctx).Do()
			if err != nil {
				return classify(err)
			}
			fileID = created.Id
			return nil
		}

		updated, err := srv.Files.Update(existingFileID, &drive.File{}).
			Media(bytes.NewReader(body)).
			Fields("id").
			Context(ctx).Do()
		if err != nil {
			return classify(err)
		}
		fileID = updated.Id
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Printf("Uploaded backup (%d tasks, file %s)", len(backup.Tasks), fileID)
	return fileID, nil
}

// Download fetches and parses the remote backup.
// Returns nil when no backup exists. An unparsable body is ErrMalformed.
func (c *Client) Download(ctx context.Context, token string) (*task.Backup, error) {
	srv, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	fileID, err := c.FindBackup(ctx, token)
	if err != nil {
		return nil, err
	}
	if fileID == "" {
		return nil, nil
	}

	var body []byte
	err = c.withRetry(ctx, "download", func() error {
		resp, err := srv.Files.Get(fileID).Context(ctx).Download()
		if err != nil {
			return classify(err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	backup, err := task.ParseBackup(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return backup, nil
}

// Delete removes the remote backup. Returns false when there was nothing
// to delete.
func (c *Client) Delete(ctx context.Context, token string) (bool, error) {
	srv, err := c.service(ctx, token)
	if err != nil {
		return false, err
	}

	fileID, err := c.FindBackup(ctx, token)
	if err != nil {
		return false, err
	}
	if fileID == "" {
		return false, nil
	}

	err = c.withRetry(ctx, "delete", func() error {
		if err := srv.Files.Delete(fileID).Context(ctx).Do(); err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	c.logger.Printf("Deleted remote backup %s", fileID)
	return true, nil
}

// LastModified returns the remote backup's modification time, or nil when
// no backup exists. This is the lightweight probe used by polling.
func (c *Client) LastModified(ctx context.Context, token string) (*time.Time, error) {
	srv, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	var modified *time.Time
	err = c.withRetry(ctx, "last-modified", func() error {
		list, err := srv.Files.List().
			Q(fmt.Sprintf("name = '%s' and trashed = false", c.backupName)).
			Spaces(appDataSpace).
			Fields("files(id, modifiedTime)").
			Context(ctx).Do()
		if err != nil {
			return classify(err)
		}
		if len(list.Files) == 0 {
			modified = nil
			return nil
		}
		ts, err := time.Parse(time.RFC3339, list.Files[0].ModifiedTime)
		if err != nil {
			return fmt.Errorf("%w: bad modifiedTime %q", ErrMalformed, list.Files[0].ModifiedTime)
		}
		modified = &ts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modified, nil
}
