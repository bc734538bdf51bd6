// Package ocr calls the prebuilt receipt model of the document analysis
// service.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Azure/go-autorest/autorest"
)

// Defaults for the document analysis endpoint.
const (
	DefaultAPIVersion   = "2023-07-31"
	DefaultModelID      = "prebuilt-receipt"
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 120

	operationLocationHeader = "Operation-Location"
)

// ErrNotConfigured is returned when the endpoint or key is missing.
var ErrNotConfigured = errors.New("ocr endpoint and key are required")

// Analyzer extracts structured receipt fields from an image.
type Analyzer interface {
	Analyze(ctx context.Context, imagePath string) (*Result, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, imagePath string) (*Result, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, imagePath string) (*Result, error) {
	return f(ctx, imagePath)
}

// Config configures the client.
type Config struct {
	Endpoint     string
	Key          string
	APIVersion   string
	ModelID      string
	PollInterval time.Duration
	MaxPolls     int
	Retries      int
}

// DefaultConfig returns a Config with everything but the credentials set.
func DefaultConfig() Config {
	return Config{
		APIVersion:   DefaultAPIVersion,
		ModelID:      DefaultModelID,
		PollInterval: DefaultPollInterval,
		MaxPolls:     DefaultMaxPolls,
	}
}

// Client is an Analyzer backed by the REST API.
type Client struct {
	config Config
	client autorest.Client
	logger *slog.Logger
}

// New creates a client authorised with the subscription key.
func New(config Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(config.Endpoint) == "" || strings.TrimSpace(config.Key) == "" {
		return nil, ErrNotConfigured
	}
	def := DefaultConfig()
	if config.APIVersion == "" {
		config.APIVersion = def.APIVersion
	}
	if config.ModelID == "" {
		config.ModelID = def.ModelID
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MaxPolls <= 0 {
		config.MaxPolls = def.MaxPolls
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := autorest.NewClientWithUserAgent("recrop")
	client.Authorizer = autorest.NewCognitiveServicesAuthorizer(config.Key)

	return &Client{config: config, client: client, logger: logger}, nil
}

// Analyze submits the image and waits for the operation to finish.
func (c *Client) Analyze(ctx context.Context, imagePath string) (*Result, error) {
	data, err := os.ReadFile(imagePath) //nolint:gosec // G304: pipeline-managed path
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	opLocation, err := c.submit(ctx, data)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("analyze submitted", "image", imagePath, "operation", opLocation)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for poll := 1; poll <= c.config.MaxPolls; poll++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("analyze cancelled: %w", ctx.Err())
		case <-ticker.C:
		}

		res, err := c.poll(ctx, opLocation)
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case StatusSucceeded:
			c.logger.Debug("analyze finished", "image", imagePath, "polls", poll)
			return res, nil
		case StatusFailed:
			if res.Error != nil {
				return nil, fmt.Errorf("analyze failed: %w", res.Error)
			}
			return nil, errors.New("analyze failed")
		}
	}
	return nil, fmt.Errorf("analyze did not finish after %d polls", c.config.MaxPolls)
}

func (c *Client) analyzeURL() string {
	return strings.TrimRight(c.config.Endpoint, "/") +
		"/formrecognizer/documentModels/" + c.config.ModelID + ":analyze"
}

func (c *Client) submit(ctx context.Context, data []byte) (string, error) {
	base, err := http.NewRequestWithContext(ctx, http.MethodPost, c.analyzeURL(), nil)
	if err != nil {
		return "", fmt.Errorf("invalid analyze endpoint: %w", err)
	}
	req, err := autorest.Prepare(base,
		autorest.AsContentType("application/octet-stream"),
		autorest.WithQueryParameters(map[string]interface{}{"api-version": c.config.APIVersion}),
		autorest.WithBytes(&data),
		c.client.WithAuthorization())
	if err != nil {
		return "", fmt.Errorf("failed to prepare analyze request: %w", err)
	}

	resp, err := c.send(req)
	if err != nil {
		return "", fmt.Errorf("analyze request failed: %w", err)
	}
	err = autorest.Respond(resp,
		autorest.WithErrorUnlessStatusCode(http.StatusAccepted, http.StatusOK),
		autorest.ByDiscardingBody(),
		autorest.ByClosing())
	if err != nil {
		return "", fmt.Errorf("analyze request rejected: %w", err)
	}

	loc := resp.Header.Get(operationLocationHeader)
	if loc == "" {
		return "", errors.New("analyze response has no operation location")
	}
	return loc, nil
}

func (c *Client) poll(ctx context.Context, opLocation string) (*Result, error) {
	base, err := http.NewRequestWithContext(ctx, http.MethodGet, opLocation, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid operation location: %w", err)
	}
	req, err := autorest.Prepare(base, c.client.WithAuthorization())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare poll request: %w", err)
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := autorest.Respond(resp, autorest.WithErrorUnlessStatusCode(http.StatusOK)); err != nil {
		return nil, fmt.Errorf("poll request rejected: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}
	return ParseResult(body)
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.config.Retries > 0 {
		return c.client.Send(req, autorest.DoRetryForStatusCodes(c.config.Retries, c.config.PollInterval,
			http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway))
	}
	return c.client.Send(req)
}
