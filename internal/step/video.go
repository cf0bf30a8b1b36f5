package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

const (
	defaultCompletionThreshold = 0.95
	eventsKey                  = "events"
)

// Playback event types accepted by video steps.
const (
	VideoEventPlay     = "play"
	VideoEventPause    = "pause"
	VideoEventProgress = "progress"
	VideoEventSeek     = "seek"
	VideoEventEnded    = "ended"
)

// VideoConfig is the VIDEO step payload. When VideoURL is empty the video is
// taken from the StepState initialization.
type VideoConfig struct {
	VideoURL            string   `json:"videoUrl,omitempty"`
	Autoplay            bool     `json:"autoplay,omitempty"`
	AllowSeek           bool     `json:"allowSeek,omitempty"`
	CompletionThreshold float64  `json:"completionThreshold,omitempty"` // Watched fraction that completes the step
	MediaTypes          []string `json:"mediaTypes,omitempty"`          // Allowed media types for an initialization upload
}

// VideoEvent is one tracked playback event.
type VideoEvent struct {
	Type     string  `json:"type"`
	Position float64 `json:"position"`
	Duration float64 `json:"duration"`
	At       string  `json:"at"`
}

// Video plays a video and tracks playback events until the viewer finishes.
type Video struct {
	config VideoConfig
	now    func() time.Time
}

// NewVideo is the Factory for VIDEO steps.
func NewVideo(s *model.Step) (Controller, error) {
	var cfg VideoConfig
	if err := decodeConfig(s.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal video config: %w", err)
	}
	if cfg.CompletionThreshold == 0 {
		cfg.CompletionThreshold = defaultCompletionThreshold
	}
	if cfg.CompletionThreshold < 0 || cfg.CompletionThreshold > 1 {
		return nil, fmt.Errorf("completionThreshold must be within (0, 1]")
	}
	if cfg.VideoURL == "" && !s.InitializationRequired {
		return nil, fmt.Errorf("video step needs videoUrl unless it requires initialization")
	}
	return &Video{config: cfg, now: time.Now}, nil
}

func (v *Video) Render(ctx context.Context, api API, administration bool) (*RenderInfo, error) {
	content := map[string]any{
		"videoUrl":  v.videoURL(ctx, api),
		"autoplay":  v.config.Autoplay,
		"allowSeek": v.config.AllowSeek,
		"events":    len(events(api.GetData())),
	}
	if administration {
		content["awaitingInitialization"] = api.AwaitingInitialization()
		content["mediaTypes"] = v.config.MediaTypes
	}
	return &RenderInfo{
		Kind:           KindVideo,
		Status:         api.GetStatus(),
		Administration: administration,
		Content:        content,
	}, nil
}

// AcceptSubmission appends one playback event to the tracked events.
func (v *Video) AcceptSubmission(_ context.Context, api API, raw json.RawMessage) (*Outcome, error) {
	var ev VideoEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, model.NewValidationError("invalid playback event",
			model.FieldError{Field: "data", Code: "invalid_json", Message: "playback event must be a JSON object"})
	}
	switch ev.Type {
	case VideoEventPlay, VideoEventPause, VideoEventProgress, VideoEventSeek, VideoEventEnded:
	default:
		return nil, model.NewValidationError("invalid playback event",
			model.FieldError{Field: "type", Code: "not_allowed", Message: fmt.Sprintf("unknown event type %q", ev.Type)})
	}
	if ev.Position < 0 || ev.Duration < 0 {
		return nil, model.NewValidationError("invalid playback event",
			model.FieldError{Field: "position", Code: "out_of_range", Message: "position and duration must not be negative"})
	}
	if ev.Type == VideoEventSeek && !v.config.AllowSeek {
		return nil, model.NewValidationError("seeking is disabled",
			model.FieldError{Field: "type", Code: "not_allowed", Message: "seeking is disabled for this video"})
	}
	ev.At = v.now().UTC().Format(time.RFC3339)

	data := copyData(api.GetData())
	tracked := append(events(data), map[string]any{
		"type":     ev.Type,
		"position": ev.Position,
		"duration": ev.Duration,
		"at":       ev.At,
	})
	data[eventsKey] = tracked

	watched := ev.Duration > 0 && ev.Position/ev.Duration >= v.config.CompletionThreshold
	return &Outcome{Data: data, Complete: ev.Type == VideoEventEnded || watched}, nil
}

// AcceptFile records an administrator-supplied video as the initialization.
func (v *Video) AcceptFile(_ context.Context, api API, file model.FileRef, raw json.RawMessage) (*Outcome, error) {
	if !api.AwaitingInitialization() || !api.IsAdministration() {
		return nil, model.NewValidationError("video steps only accept an initialization upload",
			model.FieldError{Field: "file", Code: "unsupported", Message: "video steps only accept an initialization upload"})
	}
	if err := checkFile(file, 0, v.config.MediaTypes); err != nil {
		return nil, err
	}
	data, err := mergeMetadata(nil, raw)
	if err != nil {
		return nil, err
	}
	return &Outcome{Initialization: &model.StepStateInitialization{Data: data, File: &file}}, nil
}

func (v *Video) videoURL(ctx context.Context, api API) string {
	if v.config.VideoURL != "" {
		return v.config.VideoURL
	}
	init := api.GetInitialization()
	if init == nil {
		return ""
	}
	if u, ok := init.Data["videoUrl"].(string); ok {
		return u
	}
	if init.File != nil {
		return api.FileURL(ctx, init.File)
	}
	return ""
}

func events(data map[string]any) []any {
	if data == nil {
		return nil
	}
	switch ev := data[eventsKey].(type) {
	case []any:
		return append([]any(nil), ev...)
	case []map[string]any:
		out := make([]any, len(ev))
		for i, e := range ev {
			out[i] = e
		}
		return out
	}
	return nil
}
