package provider

import (
	"context"
	"fmt"
	"net/http"
)

// Veloce is the fast-tier video provider: lower fidelity, turnaround in
// tens of seconds. Its job API is create-then-poll with the status
// vocabulary queued/generating/done/failed.
type Veloce struct {
	http *httpClient
}

func NewVeloce(baseURL, apiKey string) *Veloce {
	return &Veloce{http: newHTTPClient(baseURL, apiKey)}
}

func (v *Veloce) Name() string { return "veloce" }

type veloceCreateRequest struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type veloceCreateResponse struct {
	TaskID string `json:"task_id"`
}

func (v *Veloce) Submit(ctx context.Context, spec *JobSpec) (string, error) {
	var resp veloceCreateResponse
	err := v.http.doJSON(ctx, http.MethodPost, "/v1/videos", &veloceCreateRequest{
		Model:       spec.Model,
		Prompt:      spec.Prompt,
		AspectRatio: spec.AspectRatio,
		Duration:    spec.DurationSeconds,
		ImageURL:    spec.SourceImageURL,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("veloce returned empty task id")
	}
	return resp.TaskID, nil
}

type veloceStatusResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

func (v *Veloce) Poll(ctx context.Context, providerTaskID string) (*PollResult, error) {
	var resp veloceStatusResponse
	if err := v.http.doJSON(ctx, http.MethodGet, "/v1/videos/"+providerTaskID, nil, &resp); err != nil {
		return nil, err
	}
	out := &PollResult{Progress: resp.Progress}
	switch resp.Status {
	case "queued":
		out.State = StatePending
	case "generating":
		out.State = StateRunning
	case "done":
		out.State = StateSucceeded
		out.ResultURL = resp.VideoURL
	case "failed":
		out.State = StateError
		out.Message = resp.Error
	default:
		return nil, fmt.Errorf("veloce reported unknown status %q", resp.Status)
	}
	return out, nil
}
