package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"memorialtube/internal/artifact"
	"memorialtube/internal/callback"
	"memorialtube/internal/canvas"
	"memorialtube/internal/encoder"
	"memorialtube/internal/faults"
	"memorialtube/internal/lastclip"
	"memorialtube/internal/models"
	"memorialtube/internal/pathguard"
	"memorialtube/internal/pipeline"
	"memorialtube/internal/render"
	"memorialtube/internal/safety"
	"memorialtube/internal/telemetry"
	"memorialtube/internal/transition"
)

// ProjectStore is the slice of the persistence layer the pipeline handler
// needs to close out a project run.
type ProjectStore interface {
	FinishRun(ctx context.Context, projectID, status string) error
}

// Handlers builds the per-job-type handler set around the stage executors.
type Handlers struct {
	guard       *pathguard.Guard
	enc         encoder.Encoder
	canvases    *canvas.Builder
	transitions *transition.Synthesizer
	lastClips   *lastclip.Creator
	renderer    *render.Renderer
	pipelines   *pipeline.Orchestrator
	projects    ProjectStore
	notifier    *callback.Notifier
	publisher   artifact.Publisher
}

// NewHandlers wires the handler set.
func NewHandlers(guard *pathguard.Guard, enc encoder.Encoder, c *canvas.Builder, t *transition.Synthesizer, l *lastclip.Creator,
	r *render.Renderer, pl *pipeline.Orchestrator, projects ProjectStore, n *callback.Notifier, pub artifact.Publisher) *Handlers {
	return &Handlers{
		guard:       guard,
		enc:         enc,
		canvases:    c,
		transitions: t,
		lastClips:   l,
		renderer:    r,
		pipelines:   pl,
		projects:    projects,
		notifier:    n,
		publisher:   pub,
	}
}

// RegisterAll binds every job type on the processor.
func (h *Handlers) RegisterAll(p *Processor) {
	p.RegisterHandler(models.TypeTest, h.HandleTest)
	p.RegisterHandler(models.TypeCanvas, h.HandleCanvas)
	p.RegisterHandler(models.TypeTransition, h.HandleTransition)
	p.RegisterHandler(models.TypeLastClip, h.HandleLastClip)
	p.RegisterHandler(models.TypeRender, h.HandleRender)
	p.RegisterHandler(models.TypePipeline, h.HandlePipeline)
}

// HandleTest probes the encoder binary and reports its version line, then
// walks a few progress steps honoring the should_fail / duration_ms knobs.
func (h *Handlers) HandleTest(ctx context.Context, job models.Job, rep *Reporter) (string, error) {
	if fail, _ := job.Payload["should_fail"].(bool); fail {
		return "", errors.New("failure requested by payload.should_fail")
	}
	rep.Stage(ctx, "probe", 10, "probing encoder binary")
	version, err := h.enc.Version(ctx)
	if err != nil {
		return "", err
	}
	steps := []int{40, 70, 100}
	pause := time.Duration(asInt(job.Payload["duration_ms"])) * time.Millisecond / time.Duration(len(steps))
	for i, pct := range steps {
		if rep.Cancelled(ctx) {
			return "", ErrJobCancelled
		}
		rep.Stage(ctx, "test", pct, fmt.Sprintf("step %d/%d", i+1, len(steps)))
		if pause > 0 {
			time.Sleep(pause)
		}
	}
	return version, nil
}

// HandleCanvas runs one canvas extension job.
func (h *Handlers) HandleCanvas(ctx context.Context, job models.Job, rep *Reporter) (string, error) {
	input, err := h.guard.CheckInput(asString(job.Payload["input_path"]))
	if err != nil {
		return "", err
	}
	output, err := h.guard.CheckOutput(asString(job.Payload["output_path"]))
	if err != nil {
		return "", err
	}

	rep.Stage(ctx, "generate", 10, "extending canvas")
	res, err := h.canvases.Build(ctx, canvas.Request{
		InputPath:       input,
		OutputPath:      output,
		FastMode:        asBool(job.Payload["fast_mode"]),
		AnimalDetection: asBoolDefault(job.Payload["animal_detection"], true),
		Cancelled:       rep.Cancelled,
	})
	if err != nil {
		if errors.Is(err, canvas.ErrCancelled) {
			return "", ErrJobCancelled
		}
		return "", err
	}
	recordCanvasOutcome(res)
	rep.Stage(ctx, "done", 100, "canvas written")
	return res.Message(), nil
}

// HandleTransition runs one transition job.
func (h *Handlers) HandleTransition(ctx context.Context, job models.Job, rep *Reporter) (string, error) {
	from, err := h.guard.CheckInput(asString(job.Payload["image_a_path"]))
	if err != nil {
		return "", err
	}
	to, err := h.guard.CheckInput(asString(job.Payload["image_b_path"]))
	if err != nil {
		return "", err
	}
	output, err := h.guard.CheckOutput(asString(job.Payload["output_path"]))
	if err != nil {
		return "", err
	}

	rep.Stage(ctx, "generate", 10, "synthesizing transition")
	res, err := h.transitions.Create(ctx, transition.Request{
		FromPath:       from,
		ToPath:         to,
		OutputPath:     output,
		Duration:       asFloat(job.Payload["duration_seconds"]),
		Prompt:         asString(job.Payload["prompt"]),
		NegativePrompt: asString(job.Payload["negative_prompt"]),
		Cancelled:      rep.Cancelled,
	})
	if err != nil {
		if errors.Is(err, transition.ErrCancelled) {
			return "", ErrJobCancelled
		}
		return "", err
	}
	if res.FallbackApplied {
		telemetry.Fallbacks.WithLabelValues("transition").Inc()
	}
	rep.Stage(ctx, "done", 100, "transition written")
	return res.Message(), nil
}

// HandleLastClip runs one closing clip job.
func (h *Handlers) HandleLastClip(ctx context.Context, job models.Job, rep *Reporter) (string, error) {
	input, err := h.guard.CheckInput(asString(job.Payload["image_path"]))
	if err != nil {
		return "", err
	}
	output, err := h.guard.CheckOutput(asString(job.Payload["output_path"]))
	if err != nil {
		return "", err
	}

	rep.Stage(ctx, "encode", 20, "rendering closing clip")
	res, err := h.lastClips.Create(ctx, lastclip.Request{
		ImagePath:  input,
		OutputPath: output,
		Duration:   asInt(job.Payload["duration_seconds"]),
		Motion:     asString(job.Payload["motion_style"]),
		Cancelled:  rep.Cancelled,
	})
	if err != nil {
		if errors.Is(err, lastclip.ErrCancelled) {
			return "", ErrJobCancelled
		}
		return "", err
	}
	rep.Stage(ctx, "done", 100, "closing clip written")
	return res.Message(), nil
}

// HandleRender runs one final concat job and publishes the artifact.
func (h *Handlers) HandleRender(ctx context.Context, job models.Job, rep *Reporter) (string, error) {
	clips, err := h.guardedClips(job.Payload["clip_paths"])
	if err != nil {
		return "", err
	}
	output, err := h.guard.CheckOutput(asString(job.Payload["output_path"]))
	if err != nil {
		return "", err
	}
	bgm := asString(job.Payload["bgm_path"])
	if bgm != "" {
		if bgm, err = h.guard.CheckInput(bgm); err != nil {
			return "", err
		}
	}

	rep.Stage(ctx, "concat", 20, "concatenating clips")
	res, err := h.renderer.Render(ctx, render.Request{
		ClipPaths:  clips,
		ClipOrders: asIntSlice(job.Payload["clip_orders"]),
		OutputPath: output,
		BGMPath:    bgm,
		BGMVolume:  asFloat(job.Payload["bgm_volume"]),
		Cancelled:  rep.Cancelled,
	})
	if err != nil {
		if errors.Is(err, render.ErrCancelled) {
			return "", ErrJobCancelled
		}
		return "", err
	}

	rep.Stage(ctx, "finalize", 90, "publishing artifact")
	uri := h.publish(ctx, output)
	h.deliverCallback(ctx, job, models.StatusSucceeded, output, uri, res.Message())
	rep.Stage(ctx, "done", 100, "render published")
	return res.Message(), nil
}

// HandlePipeline runs the full chain for one photo set.
func (h *Handlers) HandlePipeline(ctx context.Context, job models.Job, rep *Reporter) (string, error) {
	photos, err := h.guardedClips(job.Payload["image_paths"])
	if err != nil {
		return "", err
	}
	workDir, err := h.guard.CheckDir(asString(job.Payload["working_dir"]))
	if err != nil {
		return "", err
	}
	output, err := h.guard.CheckOutput(asString(job.Payload["final_output_path"]))
	if err != nil {
		return "", err
	}
	bgm := asString(job.Payload["bgm_path"])
	if bgm != "" {
		if bgm, err = h.guard.CheckInput(bgm); err != nil {
			return "", err
		}
	}

	summary, err := h.pipelines.Run(ctx, pipeline.Request{
		PhotoPaths:               photos,
		WorkDir:                  workDir,
		OutputPath:               output,
		FastMode:                 asBool(job.Payload["fast_mode"]),
		AnimalDetection:          asBoolDefault(job.Payload["animal_detection"], true),
		TransitionDuration:       asFloat(job.Payload["transition_duration_seconds"]),
		TransitionPrompt:         asString(job.Payload["transition_prompt"]),
		TransitionNegativePrompt: asString(job.Payload["transition_negative_prompt"]),
		LastClipDuration:         asInt(job.Payload["last_clip_duration_seconds"]),
		LastClipMotion:           asString(job.Payload["last_clip_motion_style"]),
		BGMPath:                  bgm,
		BGMVolume:                asFloat(job.Payload["bgm_volume"]),
	}, rep)

	projectID := asString(job.Payload["project_id"])
	switch {
	case err == nil:
		h.finishProject(ctx, projectID, models.ProjectCompleted)
		uri := h.publish(ctx, output)
		h.deliverCallback(ctx, job, models.StatusSucceeded, output, uri, summary.Message())
		return summary.Message(), nil
	case errors.Is(err, pipeline.ErrCancelled):
		// A cancelled run returns the project to draft so it can be rerun.
		h.finishProject(ctx, projectID, models.ProjectDraft)
		h.deliverCallback(ctx, job, models.StatusCancelled, "", "", "")
		return "", ErrJobCancelled
	default:
		h.finishProject(ctx, projectID, models.ProjectFailed)
		h.deliverCallback(ctx, job, models.StatusFailed, "", "", err.Error())
		return "", err
	}
}

func (h *Handlers) guardedClips(v any) ([]string, error) {
	raw := asStringSlice(v)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty path list", faults.ErrValidation)
	}
	paths := make([]string, len(raw))
	for i, p := range raw {
		checked, err := h.guard.CheckInput(p)
		if err != nil {
			return nil, err
		}
		paths[i] = checked
	}
	return paths, nil
}

func (h *Handlers) publish(ctx context.Context, outputPath string) string {
	if h.publisher == nil {
		return ""
	}
	uri, err := h.publisher.Publish(ctx, outputPath, filepath.Base(outputPath))
	if err != nil {
		log.Printf("publish artifact %s: %v", outputPath, err)
		return ""
	}
	return uri
}

// deliverCallback is best-effort: a failed delivery never fails the job.
func (h *Handlers) deliverCallback(ctx context.Context, job models.Job, status, outputPath, uri, message string) {
	callbackURL := asString(job.Payload["callback_uri"])
	if callbackURL == "" || h.notifier == nil {
		return
	}
	err := h.notifier.Notify(ctx, callbackURL, callback.Payload{
		JobID:         job.ID,
		Status:        status,
		OutputPath:    outputPath,
		DownloadURI:   uri,
		ResultMessage: message,
	})
	if err != nil {
		log.Printf("callback for job %s: %v", job.ID, err)
	}
}

func (h *Handlers) finishProject(ctx context.Context, projectID, status string) {
	if projectID == "" || h.projects == nil {
		return
	}
	if err := h.projects.FinishRun(ctx, projectID, status); err != nil {
		log.Printf("finish project %s: %v", projectID, err)
	}
}

func recordCanvasOutcome(res canvas.Result) {
	if res.FallbackApplied {
		telemetry.Fallbacks.WithLabelValues("canvas").Inc()
	}
	switch res.FallbackReason {
	case safety.ReasonProtectedRegion, safety.ReasonUnexpectedSubject,
		safety.ReasonDetectorUnavailable, safety.ReasonSeam, safety.ReasonTone:
		telemetry.SafetyFailures.WithLabelValues(res.FallbackReason).Inc()
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asBoolDefault(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	}
	return 0
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

func asStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asIntSlice(v any) []int {
	switch t := v.(type) {
	case []int:
		return t
	case []any:
		out := make([]int, 0, len(t))
		for _, e := range t {
			out = append(out, asInt(e))
		}
		return out
	}
	return nil
}
