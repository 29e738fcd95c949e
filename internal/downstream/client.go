package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/auditrelay/internal/models"
)

// TokenSource supplies bearer tokens. *TokenProvider is the production implementation.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type ClientOptions struct {
	CoreBaseURL  string
	AdminBaseURL string
	TenantID     string
	Tokens       TokenSource
	HTTPClient   *http.Client
	Timeout      time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	// ServiceUser is sent as x-user on calls that carry no event actor.
	ServiceUser string
	Logger      *slog.Logger
}

// Client talks to the document-tracking service: collections live on the admin API,
// documents and their event lists on the core API.
type Client struct {
	coreBaseURL  string
	adminBaseURL string
	tenantID     string
	tokens       TokenSource
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	serviceUser  string
	logger       *slog.Logger
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	serviceUser := opts.ServiceUser
	if serviceUser == "" {
		serviceUser = models.SyncJobUserID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		coreBaseURL:  strings.TrimRight(strings.TrimSpace(opts.CoreBaseURL), "/"),
		adminBaseURL: strings.TrimRight(strings.TrimSpace(opts.AdminBaseURL), "/"),
		tenantID:     strings.TrimSpace(opts.TenantID),
		tokens:       opts.Tokens,
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		serviceUser:  serviceUser,
		logger:       logger,
	}
}

type createCollectionRequest struct {
	DatasetID         string `json:"datasetId"`
	EncryptionType    string `json:"encryptionType"`
	ExternalStorage   string `json:"externalStorage"`
	PermissionEnabled string `json:"permissionEnabled"`
	TaggingEnabled    string `json:"taggingEnabled"`
	LinkedContract    string `json:"linkedContract"`
	IotaEnabled       string `json:"iotaEnabled"`
	TokensEnabled     string `json:"tokensEnabled"`
}

type createDocumentRequest struct {
	DocumentID string            `json:"documentId"`
	Data       string            `json:"data"`
	Tags       map[string]string `json:"tags"`
}

type updateDocumentRequest struct {
	Data string `json:"data"`
}

func (c *Client) CreateCollection(ctx context.Context, collectionID uuid.UUID) error {
	url := fmt.Sprintf("%s/%s/dataset", c.adminBaseURL, c.tenantID)
	payload := createCollectionRequest{
		DatasetID:         collectionID.String(),
		EncryptionType:    "none",
		ExternalStorage:   "false",
		PermissionEnabled: "false",
		TaggingEnabled:    "true",
		LinkedContract:    "none",
		IotaEnabled:       "false",
		TokensEnabled:     "false",
	}
	_, err := c.do(ctx, http.MethodPost, url, c.serviceUser, payload)
	return err
}

func (c *Client) CreateDocument(ctx context.Context, collectionID, documentID uuid.UUID, summary models.EventSummary) error {
	data, err := json.Marshal([]models.EventSummary{summary})
	if err != nil {
		return err
	}
	payload := createDocumentRequest{
		DocumentID: documentID.String(),
		Data:       string(data),
		Tags: map[string]string{
			"collection_id": collectionID.String(),
			"document_id":   documentID.String(),
		},
	}
	_, err = c.do(ctx, http.MethodPost, c.datasetURL(collectionID)+"/create", summary.UserID, payload)
	return err
}

func (c *Client) GetDocumentEvents(ctx context.Context, collectionID, documentID uuid.UUID) ([]models.EventSummary, error) {
	body, err := c.do(ctx, http.MethodGet, c.documentURL(collectionID, documentID)+"/body", c.serviceUser, nil)
	if err != nil {
		return nil, err
	}
	events, err := decodeEventList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document %s events: %w", documentID, err)
	}
	return events, nil
}

func (c *Client) UpdateDocument(ctx context.Context, documentID, collectionID uuid.UUID, events []models.EventSummary) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	user := c.serviceUser
	if n := len(events); n > 0 {
		user = events[n-1].UserID
	}
	_, err = c.do(ctx, http.MethodPut, c.documentURL(collectionID, documentID)+"/body", user, updateDocumentRequest{Data: string(data)})
	return err
}

func (c *Client) DeleteDocument(ctx context.Context, documentID, collectionID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodDelete, c.documentURL(collectionID, documentID), c.serviceUser, nil)
	return err
}

func (c *Client) datasetURL(collectionID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/dataset/%s", c.coreBaseURL, c.tenantID, collectionID)
}

func (c *Client) documentURL(collectionID, documentID uuid.UUID) string {
	return fmt.Sprintf("%s/%s", c.datasetURL(collectionID), documentID)
}

func (c *Client) do(ctx context.Context, method, url, user string, payload any) ([]byte, error) {
	if c.tokens == nil {
		return nil, errors.New("downstream token source is required")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("x-user", user)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug("downstream request failed, retrying", "method", method, "url", url, "attempt", attempt+1, "error", err)
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return respBody, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusConflict:
			return nil, ErrAlreadyExists
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("downstream transient status, retrying", "method", method, "url", url, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		return nil, statusError(resp.StatusCode, respBody)
	}
}

func statusError(status int, body []byte) *StatusError {
	e := &StatusError{Status: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			e.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			e.Message = message
		}
	}
	return e
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decodeEventList accepts a bare JSON list, or an object whose "data" member holds the
// list either inline or as a JSON-encoded string.
func decodeEventList(body []byte) ([]models.EventSummary, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var events []models.EventSummary
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, err
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return nil, err
		}
		return decodeEventList([]byte(encoded))
	}
	return decodeEventList(data)
}
