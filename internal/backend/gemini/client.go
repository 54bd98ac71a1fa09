package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/shpitdev/smartmap/pkg/pipeline/core"
)

const DefaultModel = "gemini-2.5-flash"

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// Temperature is the sampling temperature. Nil uses the model default.
	Temperature *float32
}

// Client is a reasoning backend backed by the Gemini API.
type Client struct {
	client      *genai.Client
	model       string
	temperature *float32
}

// New validates cfg and constructs the client. A missing credential is a
// configuration error: no pipeline may start without one.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.Configurationf("gemini", "GEMINI_API_KEY is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 2) {
		return nil, core.Configurationf("gemini", "temperature %g out of range [0, 2]", *cfg.Temperature)
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, core.Configuration("gemini", err)
	}
	return &Client{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// Model returns the configured model id.
func (c *Client) Model() string {
	return c.model
}

// Generate sends prompt as a single user turn and returns the response text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(
		ctx,
		c.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			CandidateCount: 1,
			Temperature:    c.temperature,
		},
	)
	if err != nil {
		return "", classifyErr(err)
	}
	if err := blocked(resp); err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func blocked(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return core.Backend("gemini", errors.New("nil response"))
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return core.Backend("gemini", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return core.Backend("gemini", errors.New("no candidates returned"))
	}
	return nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	// Transient failures are flagged so the user is told a plain rerun may
	// succeed. Nothing retries automatically.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return core.RetryableBackend("gemini", err)
		}
		if apiErr.Code == 401 || apiErr.Code == 403 {
			return core.Configuration("gemini credential", err)
		}
		return core.Backend("gemini", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return core.RetryableBackend("gemini", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.RetryableBackend("gemini", err)
	}
	return core.Backend("gemini", err)
}
