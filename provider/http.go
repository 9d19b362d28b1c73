// Package provider implements HTTP clients for the external OCR job API
// and the extraction/relationship function. Both services speak JSON over
// POST; error payloads map onto the pipeline's error taxonomy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/extractor"
	"lexflow.evalgo.org/model"
	"lexflow.evalgo.org/ocr"
	"lexflow.evalgo.org/relations"
)

// Client is the shared HTTP plumbing for both services.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(base string, cfg config.ProviderConfig) *Client {
	return &Client{
		base:   base,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// post sends a JSON request and decodes the JSON response. Status codes
// map onto the error taxonomy: 429 is rate limit, 4xx is permanent, 5xx
// is transient.
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return common.WrapStageError(common.ErrTransient, "provider_unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		cause := fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(data))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return common.WrapStageError(common.ErrRateLimit, "provider_rate_limited", cause)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return common.WrapStageError(common.ErrConfiguration, "provider_auth_failed", cause)
		case resp.StatusCode < 500:
			return common.WrapStageError(common.ErrPermanent, "provider_rejected", cause)
		default:
			return common.WrapStageError(common.ErrTransient, "provider_error", cause)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return common.WrapStageError(common.ErrData, "provider_bad_response", err)
	}
	return nil
}

// OCRClient implements ocr.Provider against the async OCR job API.
type OCRClient struct {
	client *Client
}

func NewOCRClient(cfg config.ProviderConfig) *OCRClient {
	return &OCRClient{client: newClient(cfg.OCRURL, cfg)}
}

func (o *OCRClient) Start(ctx context.Context, blobRef string) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	err := o.client.post(ctx, "/jobs", map[string]string{"blob_ref": blobRef}, &resp)
	if err != nil {
		return "", err
	}
	return resp.JobID, nil
}

func (o *OCRClient) Status(ctx context.Context, jobID string) (*ocr.JobStatus, error) {
	var resp struct {
		Status string   `json:"status"`
		Pages  int      `json:"pages"`
		Blocks []string `json:"blocks"`
		Reason string   `json:"reason"`
	}
	err := o.client.post(ctx, "/jobs/status", map[string]string{"job_id": jobID}, &resp)
	if err != nil {
		return nil, err
	}
	return &ocr.JobStatus{
		State:  ocr.JobState(resp.Status),
		Pages:  resp.Pages,
		Blocks: resp.Blocks,
		Reason: resp.Reason,
	}, nil
}

func (o *OCRClient) Cancel(ctx context.Context, jobID string) error {
	return o.client.post(ctx, "/jobs/cancel", map[string]string{"job_id": jobID}, nil)
}

// LLMClient implements the extraction and relationship functions.
type LLMClient struct {
	client *Client
}

func NewLLMClient(cfg config.ProviderConfig) *LLMClient {
	return &LLMClient{client: newClient(cfg.LLMURL, cfg)}
}

func (l *LLMClient) ExtractEntities(ctx context.Context, text string) ([]extractor.Mention, error) {
	var resp struct {
		Entities []struct {
			Text       string  `json:"text"`
			Type       string  `json:"type"`
			Start      int     `json:"start"`
			End        int     `json:"end"`
			Confidence float64 `json:"confidence"`
		} `json:"entities"`
	}
	if err := l.client.post(ctx, "/extract", map[string]string{"text": text}, &resp); err != nil {
		return nil, err
	}

	mentions := make([]extractor.Mention, len(resp.Entities))
	for i, e := range resp.Entities {
		mentions[i] = extractor.Mention{
			Text:       e.Text,
			Type:       model.EntityType(e.Type),
			Start:      e.Start,
			End:        e.End,
			Confidence: e.Confidence,
		}
	}
	return mentions, nil
}

func (l *LLMClient) ExtractRelationships(ctx context.Context, text string, mentions []model.EntityMention) ([]relations.Candidate, error) {
	type wireMention struct {
		MentionUUID string `json:"mention_uuid"`
		Text        string `json:"text"`
		Type        string `json:"type"`
		Start       int    `json:"start"`
		End         int    `json:"end"`
	}
	req := struct {
		Text     string        `json:"text"`
		Mentions []wireMention `json:"mentions"`
	}{Text: text}
	for _, m := range mentions {
		req.Mentions = append(req.Mentions, wireMention{
			MentionUUID: m.MentionUUID,
			Text:        m.Text,
			Type:        string(m.Type),
			Start:       m.StartOffset,
			End:         m.EndOffset,
		})
	}

	var resp struct {
		Relationships []struct {
			From       string  `json:"from_mention_uuid"`
			To         string  `json:"to_mention_uuid"`
			Type       string  `json:"type"`
			Confidence float64 `json:"confidence"`
		} `json:"relationships"`
	}
	if err := l.client.post(ctx, "/relationships", req, &resp); err != nil {
		return nil, err
	}

	cands := make([]relations.Candidate, len(resp.Relationships))
	for i, r := range resp.Relationships {
		cands[i] = relations.Candidate{
			FromMentionUUID: r.From,
			ToMentionUUID:   r.To,
			Type:            r.Type,
			Confidence:      r.Confidence,
		}
	}
	return cands, nil
}
