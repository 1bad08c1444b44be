// Package whatsapp is a client for the WhatsApp Cloud API (Meta Graph API):
// text and document messages, reactions, read receipts, typing indicators,
// and inbound media download.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/invobot/invobot/internal/retry"
)

// DefaultBaseURL is the Graph API endpoint and version the client targets.
const DefaultBaseURL = "https://graph.facebook.com/v18.0"

// Config holds the Cloud API credentials and client knobs.
type Config struct {
	PhoneNumberID string
	Token         string
	BaseURL       string        // Defaults to DefaultBaseURL
	TempDir       string        // Where downloaded media lands
	HTTPClient    *http.Client  // Defaults to a 30s-timeout client
	Retry         *retry.Config // Defaults to retry.DefaultConfig
	Logger        *slog.Logger
}

// Client talks to the WhatsApp Cloud API.
type Client struct {
	cfg     Config
	http    *http.Client
	retry   retry.Config
	logger  *slog.Logger
	baseURL string
}

// New creates a Cloud API client.
func New(cfg Config) (*Client, error) {
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp: phone number ID is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("whatsapp: API token is required")
	}

	c := &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
		baseURL: cfg.BaseURL,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if cfg.Retry != nil {
		c.retry = *cfg.Retry
	} else {
		c.retry = retry.DefaultConfig()
	}
	return c, nil
}

// apiError wraps a non-2xx Graph API response; 429 and 5xx map onto the
// retryable sentinels.
func apiError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", retry.ErrRateLimited, msg)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", retry.ErrServerError, status, msg)
	default:
		return fmt.Errorf("whatsapp: status %d: %s", status, msg)
	}
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/messages", c.baseURL, c.cfg.PhoneNumberID)
}

// postJSON posts a payload to a Graph endpoint and decodes the response into out.
func (c *Client) postJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal payload: %w", err)
	}

	_, err = retry.Do(ctx, c.retry, c.logger, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("%w: %v", retry.ErrTimeout, err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, apiError(resp.StatusCode, respBody)
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return struct{}{}, fmt.Errorf("whatsapp: decode response: %w", err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (r sendResponse) firstID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

// CheckToken verifies the API token by fetching the phone number resource.
func (c *Client) CheckToken(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: token check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, body)
	}
	c.logger.Info("whatsapp token is valid", "phone_number_id", c.cfg.PhoneNumberID)
	return nil
}

// SendText sends a text message and returns the WhatsApp message ID.
func (c *Client) SendText(ctx context.Context, recipientID, text string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipientID,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}

	var resp sendResponse
	if err := c.postJSON(ctx, c.messagesURL(), payload, &resp); err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	c.logger.Info("message sent", "recipient", recipientID, "message_id", resp.firstID())
	return resp.firstID(), nil
}

// SendDocument uploads a local file as Cloud API media and sends it as a
// document message.
func (c *Client) SendDocument(ctx context.Context, recipientID, localPath, caption, filename string) error {
	mediaID, err := c.uploadMedia(ctx, localPath)
	if err != nil {
		return fmt.Errorf("send document: %w", err)
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipientID,
		"type":              "document",
		"document": map[string]string{
			"id":       mediaID,
			"caption":  caption,
			"filename": filename,
		},
	}

	var resp sendResponse
	if err := c.postJSON(ctx, c.messagesURL(), payload, &resp); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	c.logger.Info("document sent", "recipient", recipientID, "message_id", resp.firstID())
	return nil
}

func (c *Client) uploadMedia(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := w.WriteField("type", "document"); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/media", c.baseURL, c.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp.StatusCode, body)
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &uploaded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if uploaded.ID == "" {
		return "", fmt.Errorf("upload returned no media ID")
	}
	c.logger.Info("media uploaded", "media_id", uploaded.ID, "file", filepath.Base(localPath))
	return uploaded.ID, nil
}

// SendReaction reacts to a message with an emoji.
func (c *Client) SendReaction(ctx context.Context, recipientID, messageID, emoji string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipientID,
		"type":              "reaction",
		"reaction": map[string]string{
			"message_id": messageID,
			"emoji":      emoji,
		},
	}
	if err := c.postJSON(ctx, c.messagesURL(), payload, nil); err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}
	return nil
}

// MarkRead sends a read receipt for an inbound message.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if err := c.postJSON(ctx, c.messagesURL(), payload, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// SendTypingIndicator marks the message read and shows a typing indicator.
func (c *Client) SendTypingIndicator(ctx context.Context, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
		"typing_indicator":  map[string]string{"type": "text"},
	}
	if err := c.postJSON(ctx, c.messagesURL(), payload, nil); err != nil {
		return fmt.Errorf("typing indicator: %w", err)
	}
	return nil
}

// DownloadMedia fetches inbound media by ID: first resolve the short-lived
// media URL, then stream the bytes to TempDir. Returns the local path.
func (c *Client) DownloadMedia(ctx context.Context, mediaID, mediaType, senderID string) (string, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: resolve URL: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download media: %w", apiError(resp.StatusCode, body))
	}

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", fmt.Errorf("download media: decode metadata: %w", err)
	}
	if meta.URL == "" {
		return "", fmt.Errorf("download media: no URL for media %s", mediaID)
	}

	dir := filepath.Join(c.cfg.TempDir, mediaType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	localPath := filepath.Join(dir, fmt.Sprintf("%s_%s%s", senderID, mediaID, extensionFor(mediaType, meta.MimeType)))

	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return "", err
	}
	dlReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	dlResp, err := c.http.Do(dlReq)
	if err != nil {
		return "", fmt.Errorf("download media: fetch: %w", err)
	}
	defer dlResp.Body.Close()

	if dlResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(dlResp.Body)
		return "", fmt.Errorf("download media: %w", apiError(dlResp.StatusCode, b))
	}

	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, dlResp.Body); err != nil {
		os.Remove(localPath)
		return "", fmt.Errorf("download media: write: %w", err)
	}

	c.logger.Info("media downloaded", "media_id", mediaID, "type", mediaType, "path", localPath)
	return localPath, nil
}

// extensionFor picks a file extension from the media type and MIME type,
// falling back to .bin.
func extensionFor(mediaType, mimeType string) string {
	type mapping struct{ substr, ext string }
	var candidates []mapping

	switch mediaType {
	case "image":
		candidates = []mapping{
			{"jpeg", ".jpg"}, {"jpg", ".jpg"}, {"png", ".png"},
			{"gif", ".gif"}, {"webp", ".webp"},
		}
	case "document":
		candidates = []mapping{
			{"pdf", ".pdf"}, {"word", ".docx"}, {"docx", ".docx"},
			{"excel", ".xlsx"}, {"xlsx", ".xlsx"}, {"text", ".txt"},
		}
	case "audio":
		candidates = []mapping{
			{"mp3", ".mp3"}, {"ogg", ".ogg"}, {"wav", ".wav"}, {"mpeg", ".mp3"},
		}
	case "video":
		candidates = []mapping{
			{"mp4", ".mp4"}, {"mpeg", ".mp4"}, {"mov", ".mov"},
		}
	}

	for _, c := range candidates {
		if strings.Contains(mimeType, c.substr) {
			return c.ext
		}
	}
	return ".bin"
}
