// Package synthesis turns exercise text into audio through a credit-metered
// speech provider.
//
// The HTTPProvider performs one rate-limited call with a single credential.
// The Orchestrator draws that credential from the pool, interprets the
// provider's answer and applies the resulting lifecycle transition. The
// RetryingSynthesizer is the caller loop that re-invokes the orchestrator
// with bounded attempts and linear backoff.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// API paths.
const (
	apiTextToSpeech = "/v1/text-to-speech/"
)

// HTTP headers.
const (
	headerContentType      = "Content-Type"
	headerAccept           = "Accept"
	headerAPIKey           = "xi-api-key"
	headerCreditsRemaining = "X-Credits-Remaining"
	contentTypeJSON        = "application/json"
	contentTypeMPEG        = "audio/mpeg"
)

// Default values.
const (
	defaultModelID         = "eleven_multilingual_v2"
	defaultStability       = 0.5
	defaultSimilarityBoost = 0.75
)

// Error messages.
const (
	errFmtSendRequest      = "failed to send request to speech provider at %s: %w"
	errFmtProviderStatus   = "speech provider returned %s"
	errFmtProviderDetail   = "speech provider returned %s: %s"
	errFmtProviderCodeInfo = "speech provider returned %s: %s (code: %s)"
)

var (
	// ErrTextEmpty is returned when there is nothing to synthesize.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrVoiceEmpty is returned when no voice id is given.
	ErrVoiceEmpty = errors.New("voice id cannot be empty")
	// ErrSecretMissing is returned when a call is attempted without a credential.
	ErrSecretMissing = errors.New("credential secret is missing")
	// ErrEmptyAudio is returned when the provider answers 200 with no audio.
	ErrEmptyAudio = errors.New("received empty audio data")
)

// VoiceSettings are the provider's tuning knobs for a voice.
type VoiceSettings struct {
	Stability       float64 `json:"stability"                   toml:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"            toml:"similarity_boost"`
	Style           float64 `json:"style,omitempty"             toml:"style"`
	SpeakerBoost    bool    `json:"use_speaker_boost,omitempty" toml:"speaker_boost"`
}

// Voice selects the provider voice and model used for a call.
type Voice struct {
	ID       string        `json:"voiceId"  toml:"voice_id"`
	ModelID  string        `json:"modelId"  toml:"model_id"`
	Settings VoiceSettings `json:"settings" toml:"settings"`
}

// Request is a single synthesis call.
type Request struct {
	Text  string
	Voice Voice
}

// Response is the provider's successful answer.
type Response struct {
	Audio       []byte
	ContentType string
	// CreditsRemaining is set when the provider reported the balance left on the credential.
	CreditsRemaining *int
}

// Provider performs one synthesis call authenticated with secret.
type Provider interface {
	Synthesize(ctx context.Context, secret string, req Request) (Response, error)
}

// ProviderError is a non-2xx answer from the speech provider.
type ProviderError struct {
	StatusCode int
	Status     string
	// Code is the machine-readable status from the error body, when present.
	Code    string
	Message string
	Body    []byte
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf(errFmtProviderCodeInfo, e.Status, e.Message, e.Code)
	case e.Message != "":
		return fmt.Sprintf(errFmtProviderDetail, e.Status, e.Message)
	default:
		return fmt.Sprintf(errFmtProviderStatus, e.Status)
	}
}

type speechRequestBody struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

type errorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// HTTPProvider calls the provider's text-to-speech endpoint.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewHTTPProvider creates a provider client. requestsPerSecond <= 0 disables rate limiting.
func NewHTTPProvider(baseURL string, timeout time.Duration, requestsPerSecond float64, burst int) *HTTPProvider {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	if burst < 1 {
		burst = 1
	}

	return &HTTPProvider{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Synthesize sends the text to the provider and returns the audio bytes.
// A non-2xx answer is returned as *ProviderError; transport failures are
// returned wrapped as-is.
func (p *HTTPProvider) Synthesize(ctx context.Context, secret string, req Request) (Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Response{}, ErrTextEmpty
	}

	if req.Voice.ID == "" {
		return Response{}, ErrVoiceEmpty
	}

	if secret == "" {
		return Response{}, ErrSecretMissing
	}

	err := p.limiter.Wait(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(buildRequestBody(req))
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		p.baseURL+apiTextToSpeech+req.Voice.ID,
		bytes.NewReader(body),
	)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeMPEG)
	httpReq.Header.Set(headerAPIKey, secret)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf(errFmtSendRequest, p.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Response{}, parseErrorResponse(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audio) == 0 {
		return Response{}, ErrEmptyAudio
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType == "" {
		contentType = contentTypeMPEG
	}

	return Response{
		Audio:            audio,
		ContentType:      contentType,
		CreditsRemaining: parseCreditsHeader(resp.Header.Get(headerCreditsRemaining)),
	}, nil
}

func buildRequestBody(req Request) speechRequestBody {
	modelID := req.Voice.ModelID
	if modelID == "" {
		modelID = defaultModelID
	}

	settings := req.Voice.Settings
	if settings.Stability == 0 && settings.SimilarityBoost == 0 {
		settings.Stability = defaultStability
		settings.SimilarityBoost = defaultSimilarityBoost
	}

	return speechRequestBody{
		Text:          req.Text,
		ModelID:       modelID,
		VoiceSettings: settings,
	}
}

func parseCreditsHeader(value string) *int {
	if value == "" {
		return nil
	}

	credits, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return nil
	}

	return &credits
}

// parseErrorResponse decodes the provider's structured error body. The detail
// is either an object with status and message or a plain string; anything
// else keeps only the raw body.
func parseErrorResponse(resp *http.Response) *ProviderError {
	raw, _ := io.ReadAll(resp.Body)

	providerErr := &ProviderError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Code:       "",
		Message:    "",
		Body:       raw,
	}

	var envelope errorResponse

	err := json.Unmarshal(raw, &envelope)
	if err != nil || len(envelope.Detail) == 0 {
		providerErr.Message = strings.TrimSpace(string(raw))

		return providerErr
	}

	var detail errorDetail

	err = json.Unmarshal(envelope.Detail, &detail)
	if err == nil {
		providerErr.Code = detail.Status
		providerErr.Message = detail.Message

		return providerErr
	}

	var message string

	err = json.Unmarshal(envelope.Detail, &message)
	if err == nil {
		providerErr.Message = message
	}

	return providerErr
}
