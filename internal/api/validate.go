package api

import (
	"fmt"

	"memorialtube/internal/faults"
	"memorialtube/internal/models"
	"memorialtube/internal/render"
)

// Per-type payload validators. Anything rejected here is a synchronous
// ValidationError; no job row exists afterwards.

func (s *Server) validateTest(payload map[string]any) error {
	if ms := intField(payload, "duration_ms"); ms < 0 {
		return fmt.Errorf("%w: duration_ms must be non-negative", faults.ErrValidation)
	}
	return nil
}

func (s *Server) validateCanvas(payload map[string]any) error {
	if _, err := s.guard.CheckInput(stringField(payload, "input_path")); err != nil {
		return err
	}
	_, err := s.guard.CheckOutput(stringField(payload, "output_path"))
	return err
}

func (s *Server) validateTransition(payload map[string]any) error {
	if _, err := s.guard.CheckInput(stringField(payload, "image_a_path")); err != nil {
		return err
	}
	if _, err := s.guard.CheckInput(stringField(payload, "image_b_path")); err != nil {
		return err
	}
	if _, err := s.guard.CheckOutput(stringField(payload, "output_path")); err != nil {
		return err
	}
	return checkTransitionDuration(floatField(payload, "duration_seconds"))
}

func (s *Server) validateLastClip(payload map[string]any) error {
	if _, err := s.guard.CheckInput(stringField(payload, "image_path")); err != nil {
		return err
	}
	if _, err := s.guard.CheckOutput(stringField(payload, "output_path")); err != nil {
		return err
	}
	if err := checkLastClipDuration(intField(payload, "duration_seconds")); err != nil {
		return err
	}
	if motion := stringField(payload, "motion_style"); motion != "" {
		return checkMotionStyle(motion)
	}
	return nil
}

func (s *Server) validateRender(payload map[string]any) error {
	clips := stringSlice(payload, "clip_paths")
	if len(clips) == 0 {
		return fmt.Errorf("%w: clip_paths is required", faults.ErrValidation)
	}
	for _, p := range clips {
		if _, err := s.guard.CheckInput(p); err != nil {
			return err
		}
	}
	// Rank injectivity is checked up front so a bad ordering never
	// becomes an asynchronous job failure.
	if _, err := render.Order(clips, intSlice(payload, "clip_orders")); err != nil {
		return err
	}
	if _, err := s.guard.CheckOutput(stringField(payload, "output_path")); err != nil {
		return err
	}
	if bgm := stringField(payload, "bgm_path"); bgm != "" {
		if _, err := s.guard.CheckInput(bgm); err != nil {
			return err
		}
	}
	return checkVolume(floatField(payload, "bgm_volume"))
}

func (s *Server) validatePipeline(payload map[string]any) error {
	photos := stringSlice(payload, "image_paths")
	if len(photos) < 2 {
		return fmt.Errorf("%w: image_paths needs at least 2 entries", faults.ErrValidation)
	}
	for _, p := range photos {
		if _, err := s.guard.CheckInput(p); err != nil {
			return err
		}
	}
	if _, err := s.guard.CheckDir(stringField(payload, "working_dir")); err != nil {
		return err
	}
	if _, err := s.guard.CheckOutput(stringField(payload, "final_output_path")); err != nil {
		return err
	}
	if d := floatField(payload, "transition_duration_seconds"); d != 0 {
		if err := checkTransitionDuration(d); err != nil {
			return err
		}
	}
	if err := checkLastClipDuration(intField(payload, "last_clip_duration_seconds")); err != nil {
		return err
	}
	if motion := stringField(payload, "last_clip_motion_style"); motion != "" {
		if err := checkMotionStyle(motion); err != nil {
			return err
		}
	}
	if bgm := stringField(payload, "bgm_path"); bgm != "" {
		if _, err := s.guard.CheckInput(bgm); err != nil {
			return err
		}
	}
	return checkVolume(floatField(payload, "bgm_volume"))
}

func checkTransitionDuration(d float64) error {
	if d == 0 {
		return nil
	}
	if d != 6 && d != 10 {
		return fmt.Errorf("%w: duration_seconds must be 6 or 10", faults.ErrValidation)
	}
	return nil
}

func checkLastClipDuration(d int) error {
	if d == 0 {
		return nil
	}
	if d < 2 || d > 20 {
		return fmt.Errorf("%w: duration_seconds must be within [2,20]", faults.ErrValidation)
	}
	return nil
}

func checkMotionStyle(motion string) error {
	switch motion {
	case models.MotionZoomIn, models.MotionZoomOut, models.MotionNone:
		return nil
	}
	return fmt.Errorf("%w: unknown motion_style %q", faults.ErrValidation, motion)
}

func checkVolume(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: bgm_volume must be within [0,1]", faults.ErrValidation)
	}
	return nil
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func intField(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func floatField(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func stringSlice(payload map[string]any, key string) []string {
	raw, _ := payload[key].([]any)
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intSlice(payload map[string]any, key string) []int {
	raw, _ := payload[key].([]any)
	out := make([]int, 0, len(raw))
	for _, e := range raw {
		out = append(out, asInt(e))
	}
	return out
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	}
	return 0
}
