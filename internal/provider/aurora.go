package provider

import (
	"context"
	"fmt"
	"net/http"
)

// Aurora is the quality-tier video provider. Same create-then-poll shape
// as Veloce with a different wire vocabulary: jobs move through
// submitted/processing and finish in success/error.
type Aurora struct {
	http *httpClient
}

func NewAurora(baseURL, apiKey string) *Aurora {
	return &Aurora{http: newHTTPClient(baseURL, apiKey)}
}

func (a *Aurora) Name() string { return "aurora" }

type auroraGenerationRequest struct {
	ModelID     string `json:"model_id"`
	Prompt      string `json:"prompt"`
	Ratio       string `json:"ratio,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
	RefImage    string `json:"ref_image,omitempty"`
}

type auroraGenerationResponse struct {
	ID string `json:"id"`
}

func (a *Aurora) Submit(ctx context.Context, spec *JobSpec) (string, error) {
	var resp auroraGenerationResponse
	err := a.http.doJSON(ctx, http.MethodPost, "/api/generations", &auroraGenerationRequest{
		ModelID:     spec.Model,
		Prompt:      spec.Prompt,
		Ratio:       spec.AspectRatio,
		DurationSec: spec.DurationSeconds,
		RefImage:    spec.SourceImageURL,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("aurora returned empty generation id")
	}
	return resp.ID, nil
}

type auroraStatusResponse struct {
	State    string `json:"state"`
	Percent  int    `json:"percent"`
	AssetURL string `json:"asset_url"`
	Message  string `json:"message"`
}

func (a *Aurora) Poll(ctx context.Context, providerTaskID string) (*PollResult, error) {
	var resp auroraStatusResponse
	if err := a.http.doJSON(ctx, http.MethodGet, "/api/generations/"+providerTaskID, nil, &resp); err != nil {
		return nil, err
	}
	out := &PollResult{Progress: resp.Percent}
	switch resp.State {
	case "submitted":
		out.State = StatePending
	case "processing":
		out.State = StateRunning
	case "success":
		out.State = StateSucceeded
		out.ResultURL = resp.AssetURL
	case "error":
		out.State = StateError
		out.Message = resp.Message
	default:
		return nil, fmt.Errorf("aurora reported unknown state %q", resp.State)
	}
	return out, nil
}
