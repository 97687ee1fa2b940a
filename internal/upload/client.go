// Package upload delivers finalized recording artifacts to the storage
// collaborator. One POST per artifact, keyed by interview id; retry policy
// belongs to the caller.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

const requestTimeout = 2 * time.Minute

var ErrEmptyArtifact = errors.New("empty recording artifact")

type Config struct {
	BaseURL   string
	AuthToken string
}

// Client posts recording artifacts and returns the durable URL the
// collaborator assigned.
type Client struct {
	http *resty.Client
	log  *slog.Logger
}

type uploadResult struct {
	URL string `json:"url"`
}

type uploadError struct {
	Message string `json:"message"`
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(0)
	if cfg.AuthToken != "" {
		http.SetAuthToken(cfg.AuthToken)
	}
	return &Client{
		http: http,
		log:  log.With("component", "upload"),
	}
}

// PushRecording uploads one artifact and returns its durable URL. Failures
// propagate to the caller; the client never retries on its own.
func (c *Client) PushRecording(ctx context.Context, interviewID string, artifact []byte) (string, error) {
	if len(artifact) == 0 {
		return "", ErrEmptyArtifact
	}

	c.log.Info("uploading recording", "interview_id", interviewID, "bytes", len(artifact))

	var result uploadResult
	var apiErr uploadError
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("interviewID", interviewID).
		SetHeader("Content-Type", "video/x-matroska").
		SetBody(artifact).
		SetResult(&result).
		SetError(&apiErr).
		Post("/interviews/{interviewID}/recording")
	if err != nil {
		return "", fmt.Errorf("upload recording for interview %s: %w", interviewID, err)
	}
	if resp.IsError() {
		if apiErr.Message != "" {
			return "", fmt.Errorf("upload recording for interview %s: %s (%s)",
				interviewID, apiErr.Message, resp.Status())
		}
		return "", fmt.Errorf("upload recording for interview %s: %s", interviewID, resp.Status())
	}
	if result.URL == "" {
		return "", fmt.Errorf("upload recording for interview %s: response missing durable url", interviewID)
	}

	c.log.Info("recording uploaded", "interview_id", interviewID, "url", result.URL)
	return result.URL, nil
}
