package validator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tobyprime/VerificationBot/model"
)

const (
	RecaptchaEndpoint = "https://www.google.com/recaptcha/api/siteverify"
	TurnstileEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

	// ScoreThreshold is the minimal reCAPTCHA v3 score to pass.
	ScoreThreshold = 0.5
)

type siteVerifyResp struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

// SiteVerifier validates challenge responses against a siteverify endpoint.
type SiteVerifier struct {
	Name     string
	Endpoint string
	Secret   string
	Client   *http.Client
	// UseScore makes a present score field part of the verdict.
	UseScore bool
}

// NewRecaptcha returns a verifier for Google reCAPTCHA. v3 responses carry a
// score which must exceed ScoreThreshold.
func NewRecaptcha(secret string, client *http.Client) *SiteVerifier {
	return &SiteVerifier{
		Name:     "recaptcha",
		Endpoint: RecaptchaEndpoint,
		Secret:   secret,
		Client:   client,
		UseScore: true,
	}
}

// NewTurnstile returns a verifier for Cloudflare Turnstile.
func NewTurnstile(secret string, client *http.Client) *SiteVerifier {
	return &SiteVerifier{
		Name:     "turnstile",
		Endpoint: TurnstileEndpoint,
		Secret:   secret,
		Client:   client,
	}
}

// Validate posts the proof to the endpoint. Transport failures and malformed
// responses are returned as errors wrapping model.ErrValidation.
func (v *SiteVerifier) Validate(ctx context.Context, proof string) (bool, error) {
	if strings.TrimSpace(proof) == "" {
		return false, nil
	}
	form := url.Values{
		"secret":   {v.Secret},
		"response": {proof},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("%w: %v: %v", model.ErrValidation, v.Name, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v: %v", model.ErrValidation, v.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("%w: %v: unexpected status %v", model.ErrValidation, v.Name, resp.Status)
	}
	var r siteVerifyResp
	if err := jsoniter.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&r); err != nil {
		return false, fmt.Errorf("%w: %v: decode response: %v", model.ErrValidation, v.Name, err)
	}
	return v.verdict(r), nil
}

func (v *SiteVerifier) verdict(r siteVerifyResp) bool {
	if !r.Success {
		return false
	}
	if v.UseScore && r.Score != nil {
		return *r.Score > ScoreThreshold
	}
	return true
}
