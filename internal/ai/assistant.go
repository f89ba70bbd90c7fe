package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultEndpoint = "https://generativelanguage.googleapis.com"
	defaultModel    = "gemini-2.0-flash"

	// DefaultTitle is returned when content is too short to analyze or the
	// model produced nothing usable.
	DefaultTitle = "Untitled Document"
	// DefaultSummary is returned when the model produced an empty summary.
	DefaultSummary = "Unable to generate summary."

	minTitleContentLength = 20
	minContentLength      = 100
	titleContentBudget    = 5000
	summaryContentBudget  = 8000

	maxThemes           = 5
	minSuggestionLength = 10
	maxSuggestionLength = 120
)

var (
	// ErrNotConfigured indicates no API key is set; AI calls fail closed.
	ErrNotConfigured = errors.New("ai: api key not configured")
	// ErrContentTooShort indicates the input is below the minimum length for the call.
	ErrContentTooShort = errors.New("ai: content too short")
	// ErrEmptyResponse indicates the provider returned no candidates.
	ErrEmptyResponse = errors.New("ai: empty provider response")

	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	suggestionSplit   = regexp.MustCompile(`\n+|-|\*`)
	surroundingQuotes = `"`
)

// Config configures the document assistant.
type Config struct {
	APIKey     string
	Endpoint   string
	Model      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Assistant is a thin, stateless wrapper over a generateContent-style
// text-completion endpoint. Each call is single-shot and fails closed when
// the provider is unreachable or unconfigured.
type Assistant struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAssistant constructs an Assistant. A missing API key is not an error
// here; individual calls reject with ErrNotConfigured instead, so the rest
// of the service runs without AI features.
func NewAssistant(cfg Config) *Assistant {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assistant{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		endpoint:   endpoint,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}
}

// GenerateTitle suggests a concise title for the content. Content shorter
// than 20 characters yields the default title without calling out.
func (a *Assistant) GenerateTitle(ctx context.Context, content string) (string, error) {
	cleaned := clean(content)
	if len(cleaned) < minTitleContentLength {
		return DefaultTitle, nil
	}
	if a.apiKey == "" {
		return "", ErrNotConfigured
	}

	prompt := "Please generate a concise, engaging title for this document content. " +
		"The title should be short (under 50 characters) and capture the main essence of the text. " +
		"Don't use quotes in your response, just return the plain title text. " +
		"Content: " + truncate(cleaned, titleContentBudget)

	text, err := a.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	title := strings.Trim(strings.TrimSpace(text), surroundingQuotes)
	if title == "" {
		return DefaultTitle, nil
	}
	return title, nil
}

// AnalyzeThemes extracts up to five topics from the content. Content shorter
// than 100 characters yields no themes without calling out.
func (a *Assistant) AnalyzeThemes(ctx context.Context, content string) ([]string, error) {
	cleaned := clean(content)
	if len(cleaned) < minContentLength {
		return nil, nil
	}
	if a.apiKey == "" {
		return nil, ErrNotConfigured
	}

	prompt := "Please identify 3-5 main topics or themes from this text. " +
		"Return only a comma-separated list of single words or short phrases with no numbering or additional text. " +
		"Content: " + truncate(cleaned, titleContentBudget)

	text, err := a.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	themes := make([]string, 0, maxThemes)
	for _, theme := range strings.Split(text, ",") {
		trimmed := strings.TrimSpace(theme)
		if trimmed == "" {
			continue
		}
		themes = append(themes, trimmed)
		if len(themes) == maxThemes {
			break
		}
	}
	return themes, nil
}

// GetSuggestions asks for actionable writing improvements. Content shorter
// than 100 characters yields no suggestions without calling out.
func (a *Assistant) GetSuggestions(ctx context.Context, content string) ([]string, error) {
	cleaned := clean(content)
	if len(cleaned) < minContentLength {
		return nil, nil
	}
	if a.apiKey == "" {
		return nil, ErrNotConfigured
	}

	prompt := "Please analyze this document and provide 2-3 specific, actionable suggestions to improve the writing. " +
		"Focus on clarity, structure, and engagement. " +
		"Return only bullet points with no numbering or additional explanations. " +
		"Each suggestion should be concise (under 100 characters). " +
		"Content: " + truncate(cleaned, titleContentBudget)

	text, err := a.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var suggestions []string
	for _, part := range suggestionSplit.Split(text, -1) {
		trimmed := strings.TrimSpace(part)
		if len(trimmed) > minSuggestionLength && len(trimmed) < maxSuggestionLength {
			suggestions = append(suggestions, trimmed)
		}
	}
	return suggestions, nil
}

// GenerateSummary produces a short paragraph summary. Content shorter than
// 100 characters is rejected with ErrContentTooShort before any call.
func (a *Assistant) GenerateSummary(ctx context.Context, content string) (string, error) {
	cleaned := clean(content)
	if len(cleaned) < minContentLength {
		return "", fmt.Errorf("%w: need at least %d characters", ErrContentTooShort, minContentLength)
	}
	if a.apiKey == "" {
		return "", ErrNotConfigured
	}

	prompt := "Please summarize this text in a concise paragraph (50-100 words). " +
		"Focus on capturing the main points while being engaging and clear. " +
		"Content: " + truncate(cleaned, summaryContentBudget)

	text, err := a.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(text)
	if summary == "" {
		return DefaultSummary, nil
	}
	return summary, nil
}

type generateRequest struct {
	Contents []requestContent `json:"contents"`
}

type requestContent struct {
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []contentPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (a *Assistant) generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Contents: []requestContent{{Parts: []contentPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.endpoint, a.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", a.apiKey)

	response, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		a.logger.Warn("ai provider returned non-200",
			zap.String("model", a.model),
			zap.Int("status", response.StatusCode))
		return "", fmt.Errorf("ai: provider returned status %d", response.StatusCode)
	}

	var decoded generateResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if len(decoded.Candidates) == 0 {
		return "", ErrEmptyResponse
	}

	var builder strings.Builder
	for _, part := range decoded.Candidates[0].Content.Parts {
		builder.WriteString(part.Text)
	}
	return strings.TrimSpace(builder.String()), nil
}

func clean(content string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(content, ""))
}

func truncate(content string, budget int) string {
	if len(content) <= budget {
		return content
	}
	return content[:budget] + "..."
}
