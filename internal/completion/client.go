package completion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const chatCompletionsPath = "/v1/chat/completions"

// HTTPClient talks to any OpenAI-compatible chat completions endpoint.
// It is deliberately thin; retry and backoff belong to wrappers.
type HTTPClient struct {
	Address string
	APIKey  string
	Client  *http.Client
}

var _ Service = (*HTTPClient)(nil)

func NewHTTPClient(address, apiKey string) *HTTPClient {
	return &HTTPClient{
		Address: address,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Response{}, err
	}

	us, err := buildURL(c.Address, chatCompletionsPath)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, us, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	start := time.Now()
	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		buf, _ := io.ReadAll(resp.Body)
		return Response{}, fmt.Errorf("completion: error response from server: %s (%s)", string(buf), resp.Status)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Response{}, fmt.Errorf("completion: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return Response{}, fmt.Errorf("completion: empty choices from server")
	}

	usage := Usage{
		InputTokens:  cr.Usage.PromptTokens,
		OutputTokens: cr.Usage.CompletionTokens,
		Latency:      time.Since(start),
	}
	if usage.InputTokens == 0 {
		usage.InputTokens = EstimateTokens(req.System) + EstimateTokens(req.Prompt)
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = EstimateTokens(cr.Choices[0].Message.Content)
	}
	if card, ok := CardFor(req.Model); ok {
		usage.Cost = card.InputCost(usage.InputTokens) + card.OutputCost(usage.OutputTokens)
	}
	return Response{Text: cr.Choices[0].Message.Content, Usage: usage}, nil
}

// buildURL concats a base url `http://foo/bar` with a path `/buzz`.
func buildURL(u, p string) (string, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	parsed.Path = path.Join(parsed.Path, p)
	return parsed.String(), nil
}

type serviceMetrics struct {
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	cost     prometheus.Counter
}

// Instrumented decorates a Service with request logging and metrics.
type Instrumented struct {
	next    Service
	logger  log.Logger
	metrics *serviceMetrics
}

var _ Service = (*Instrumented)(nil)

func Instrument(next Service, logger log.Logger, reg prometheus.Registerer) *Instrumented {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f := promauto.With(reg)
	return &Instrumented{
		next:   next,
		logger: logger,
		metrics: &serviceMetrics{
			requests: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refinery", Subsystem: "completion", Name: "requests_total",
				Help: "Completion calls by model and outcome.",
			}, []string{"model", "status"}),
			tokens: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refinery", Subsystem: "completion", Name: "tokens_total",
				Help: "Tokens consumed by direction.",
			}, []string{"direction"}),
			cost: f.NewCounter(prometheus.CounterOpts{
				Namespace: "refinery", Subsystem: "completion", Name: "cost_usd_total",
				Help: "Cumulative completion spend in USD.",
			}),
		},
	}
}

func (i *Instrumented) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := i.next.Complete(ctx, req)
	if err != nil {
		i.metrics.requests.WithLabelValues(req.Model, "error").Inc()
		level.Debug(i.logger).Log("msg", "completion failed", "model", req.Model, "err", err)
		return resp, err
	}
	i.metrics.requests.WithLabelValues(req.Model, "success").Inc()
	i.metrics.tokens.WithLabelValues("input").Add(float64(resp.Usage.InputTokens))
	i.metrics.tokens.WithLabelValues("output").Add(float64(resp.Usage.OutputTokens))
	i.metrics.cost.Add(resp.Usage.Cost)
	level.Debug(i.logger).Log(
		"msg", "completion",
		"model", req.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"latency", resp.Usage.Latency,
	)
	return resp, nil
}
