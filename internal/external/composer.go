package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bizjournal/internal/types"
)

// ComposerClientConfig configures a ComposerClient.
type ComposerClientConfig struct {
	BaseURL string
	APIKey  string
	Logger  *slog.Logger
}

// ComposerClient calls the Digest Composer service over HTTP.
type ComposerClient struct {
	base    *BaseClient
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

// NewComposerClient creates a ComposerClient with its own circuit breaker.
func NewComposerClient(cfg ComposerClientConfig) *ComposerClient {
	base := NewBaseClient(
		&http.Client{Timeout: 20 * time.Second},
		"composer",
		DefaultRetryPolicy(),
		"BizJournal-Delivery/1.0",
		cfg.Logger,
		WithUpstreamErrorCode(types.ErrCodeUpstreamComposer),
	)
	return NewComposerClientWithBase(base, cfg)
}

// NewComposerClientWithBase creates a ComposerClient over base.
func NewComposerClientWithBase(base *BaseClient, cfg ComposerClientConfig) *ComposerClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ComposerClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// Compose requests content for one user. It returns nil content with a nil
// error when the composer has nothing to send.
//
// Status mapping:
//
//	200      content
//	204      nothing to send
//	404, 410 permanent_user_deleted
//	422      permanent_invalid_content
//	429, 5xx retried by BaseClient, then upstream_*
//	other    upstream_composer_unavailable
func (c *ComposerClient) Compose(ctx context.Context, req types.ComposeRequest) (*types.Content, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal compose request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/digests/compose", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build compose request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.base.Do(httpReq)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamComposer, "composer request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var content types.Content
		if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamComposer, "composer returned malformed content", err)
		}
		if content.Subject == "" || (content.HTMLBody == "" && content.TextBody == "") {
			return nil, types.NewAppError(types.ErrCodePermanentBadContent, "composer returned empty subject or body", nil)
		}
		return &content, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound, http.StatusGone:
		return nil, types.NewAppError(types.ErrCodePermanentUserDeleted,
			fmt.Sprintf("composer reports user %s gone", req.UserID), nil)
	case http.StatusUnprocessableEntity:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, types.NewAppError(types.ErrCodePermanentBadContent,
			"composer cannot render digest: "+strings.TrimSpace(string(raw)), nil)
	}

	c.logger.WarnContext(ctx, "unexpected composer response",
		slog.String("user_id", req.UserID),
		slog.Int("status", resp.StatusCode),
	)
	return nil, types.NewAppError(types.ErrCodeUpstreamComposer,
		fmt.Sprintf("composer returned %d", resp.StatusCode), nil)
}
