package providers

import (
	"strings"
	"sync"

	"memorialtube/internal/config"
)

// Selector resolves the active provider for one stage execution. Under the
// auto policy the preferred variant is tried first; a load failure downgrades
// permanently to the secondary for the remainder of the stage's attempts.
type Selector[P any] struct {
	mu         sync.Mutex
	active     P
	secondary  P
	canFall    bool
	downgraded bool
}

// NewSelector builds a selector with an optional secondary variant.
func NewSelector[P any](primary P, secondary P, canFall bool) *Selector[P] {
	return &Selector[P]{active: primary, secondary: secondary, canFall: canFall}
}

// NewFixedSelector pins a single variant with no downgrade path.
func NewFixedSelector[P any](only P) *Selector[P] {
	return &Selector[P]{active: only}
}

// Active returns the currently selected provider.
func (s *Selector[P]) Active() P {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Downgrade switches to the secondary variant. It reports false when no
// secondary remains, which makes the load failure surface as an attempt
// failure instead.
func (s *Selector[P]) Downgrade() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canFall || s.downgraded {
		return false
	}
	s.active = s.secondary
	s.downgraded = true
	return true
}

// Downgraded reports whether the selector has fallen back to its secondary.
func (s *Selector[P]) Downgraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downgraded
}

// ResolveExtender maps the OUTPAINT_PROVIDER policy to a selector. The auto
// policy prefers the remote generative backend with the mirror adapter as
// its downgrade target.
func ResolveExtender(cfg config.Config) *Selector[CanvasExtender] {
	switch strings.ToLower(strings.TrimSpace(cfg.OutpaintProvider)) {
	case "mirror", "none":
		return NewFixedSelector[CanvasExtender](MirrorExtender{})
	case "remote":
		return NewFixedSelector[CanvasExtender](NewRemoteOutpainter(cfg.OutpaintEndpoint, 0))
	default: // auto
		return NewSelector[CanvasExtender](NewRemoteOutpainter(cfg.OutpaintEndpoint, 0), MirrorExtender{}, true)
	}
}

// ResolveDetector maps ANIMAL_DETECTOR_PROVIDER to a selector. Auto prefers
// the remote model and downgrades to the null detector, which then fails
// closed under strict safety.
func ResolveDetector(cfg config.Config) *Selector[Detector] {
	switch strings.ToLower(strings.TrimSpace(cfg.DetectorProvider)) {
	case "null", "none":
		return NewFixedSelector[Detector](NullDetector{})
	case "remote":
		return NewFixedSelector[Detector](NewRemoteDetector(cfg.DetectorEndpoint, cfg.DetectorConfidence, 0))
	default: // auto
		return NewSelector[Detector](NewRemoteDetector(cfg.DetectorEndpoint, cfg.DetectorConfidence, 0), NullDetector{}, true)
	}
}

// ResolveTransitionSynth maps TRANSITION_PROVIDER to a selector. The classic
// cross-fade is both the explicit "classic" choice and the auto downgrade
// target; being non-generative it is always routed through the fallback path.
func ResolveTransitionSynth(cfg config.Config) *Selector[TransitionSynth] {
	switch strings.ToLower(strings.TrimSpace(cfg.TransitionProvider)) {
	case "classic", "none":
		return NewFixedSelector[TransitionSynth](ClassicTransitionSynth{})
	case "remote":
		return NewFixedSelector[TransitionSynth](NewRemoteTransitionSynth(cfg.TransitionEndpoint, 0))
	default: // auto
		return NewSelector[TransitionSynth](NewRemoteTransitionSynth(cfg.TransitionEndpoint, 0), ClassicTransitionSynth{}, true)
	}
}
