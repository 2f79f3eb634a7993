package provider

import (
	"context"
	"fmt"
	"net/http"
)

// ImageGen drives the image provider. Its API is job-based like the video
// providers, but generations usually finish within one poll interval.
type ImageGen struct {
	http *httpClient
}

func NewImageGen(baseURL, apiKey string) *ImageGen {
	return &ImageGen{http: newHTTPClient(baseURL, apiKey)}
}

func (g *ImageGen) Name() string { return "imagegen" }

type imageCreateRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type imageCreateResponse struct {
	JobID string `json:"job_id"`
}

func (g *ImageGen) Submit(ctx context.Context, spec *JobSpec) (string, error) {
	var resp imageCreateResponse
	err := g.http.doJSON(ctx, http.MethodPost, "/v1/images/jobs", &imageCreateRequest{
		Model:       spec.Model,
		Prompt:      spec.Prompt,
		AspectRatio: spec.AspectRatio,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("imagegen returned empty job id")
	}
	return resp.JobID, nil
}

type imageJobResponse struct {
	Status   string `json:"status"` // pending | succeeded | failed
	ImageURL string `json:"image_url"`
	Error    string `json:"error"`
}

func (g *ImageGen) Poll(ctx context.Context, providerTaskID string) (*PollResult, error) {
	var resp imageJobResponse
	if err := g.http.doJSON(ctx, http.MethodGet, "/v1/images/jobs/"+providerTaskID, nil, &resp); err != nil {
		return nil, err
	}
	out := &PollResult{}
	switch resp.Status {
	case "pending":
		out.State = StatePending
	case "succeeded":
		out.State = StateSucceeded
		out.ResultURL = resp.ImageURL
	case "failed":
		out.State = StateError
		out.Message = resp.Error
	default:
		return nil, fmt.Errorf("imagegen reported unknown status %q", resp.Status)
	}
	return out, nil
}
