// Package encoder wraps the external ffmpeg binary behind the media-encoding
// capability the stage executors depend on. Encoder failures are terminal
// for the owning stage; callers classify them via faults.ErrEncoder.
package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"memorialtube/internal/faults"
)

// Encoder is the media-encoding collaborator interface.
type Encoder interface {
	// Version probes the binary and returns its first version line.
	Version(ctx context.Context) (string, error)
	// StillClip renders a single image into a motion clip using the given
	// motion style (zoom_in, zoom_out, none).
	StillClip(ctx context.Context, imagePath, outputPath string, durationSeconds int, motionStyle string) error
	// FramesToVideo assembles a numbered PNG frame sequence into a clip.
	FramesToVideo(ctx context.Context, framePattern, outputPath string) error
	// Concat normalizes the clips, concatenates them in order and
	// optionally mixes a looped background track under the result.
	Concat(ctx context.Context, clipPaths []string, outputPath, bgmPath string, bgmVolume float64) error
}

// Settings carries the output geometry and codec configuration.
type Settings struct {
	FFmpegPath  string
	Width       int
	Height      int
	FPS         int
	PixelFormat string
	VideoCodec  string
}

// FFmpeg shells out to the ffmpeg binary.
type FFmpeg struct {
	settings Settings
}

// New builds the ffmpeg-backed encoder.
func New(settings Settings) *FFmpeg {
	if settings.FFmpegPath == "" {
		settings.FFmpegPath = "ffmpeg"
	}
	return &FFmpeg{settings: settings}
}

func (e *FFmpeg) run(ctx context.Context, fallbackMsg string, args ...string) error {
	cmd := exec.CommandContext(ctx, e.settings.FFmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = fallbackMsg
		}
		return fmt.Errorf("%w: %s: %v", faults.ErrEncoder, lastLine(detail), err)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Version runs `ffmpeg -version` and returns the first output line.
func (e *FFmpeg) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, e.settings.FFmpegPath, "-version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: ffmpeg not usable: %v", faults.ErrEncoder, err)
	}
	lines := strings.SplitN(string(out), "\n", 2)
	return strings.TrimSpace(lines[0]), nil
}

func (e *FFmpeg) normalizeFilter() string {
	s := e.settings
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black,fps=%d,setsar=1,format=%s",
		s.Width, s.Height, s.Width, s.Height, s.FPS, s.PixelFormat)
}

func (e *FFmpeg) motionFilter(motionStyle string) string {
	s := e.settings
	switch motionStyle {
	case "zoom_out":
		return fmt.Sprintf(
			"zoompan=z='if(lte(on,1),1.08,max(1.0,zoom-0.0008))':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=1:s=%dx%d:fps=%d",
			s.Width, s.Height, s.FPS)
	case "none":
		return fmt.Sprintf("fps=%d", s.FPS)
	default: // zoom_in
		return fmt.Sprintf(
			"zoompan=z='min(zoom+0.0008,1.08)':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=1:s=%dx%d:fps=%d",
			s.Width, s.Height, s.FPS)
	}
}

// StillClip loops a single image for the requested duration with the motion
// filter applied.
func (e *FFmpeg) StillClip(ctx context.Context, imagePath, outputPath string, durationSeconds int, motionStyle string) error {
	s := e.settings
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %v", faults.ErrEncoder, err)
	}
	base := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		s.Width, s.Height, s.Width, s.Height)
	vf := fmt.Sprintf("%s,%s,format=%s", base, e.motionFilter(motionStyle), s.PixelFormat)
	return e.run(ctx, "still clip build failed",
		"-y",
		"-loop", "1",
		"-t", fmt.Sprint(durationSeconds),
		"-i", imagePath,
		"-vf", vf,
		"-t", fmt.Sprint(durationSeconds),
		"-r", fmt.Sprint(s.FPS),
		"-pix_fmt", s.PixelFormat,
		"-c:v", s.VideoCodec,
		outputPath,
	)
}

// FramesToVideo assembles numbered frames (printf-style pattern) into a clip.
func (e *FFmpeg) FramesToVideo(ctx context.Context, framePattern, outputPath string) error {
	s := e.settings
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %v", faults.ErrEncoder, err)
	}
	return e.run(ctx, "frame sequence build failed",
		"-y",
		"-framerate", fmt.Sprint(s.FPS),
		"-i", framePattern,
		"-r", fmt.Sprint(s.FPS),
		"-pix_fmt", s.PixelFormat,
		"-c:v", s.VideoCodec,
		outputPath,
	)
}

// Concat normalizes each clip into a scratch directory, writes the concat
// list file and produces the final track, mixing the BGM when provided.
func (e *FFmpeg) Concat(ctx context.Context, clipPaths []string, outputPath, bgmPath string, bgmVolume float64) error {
	s := e.settings
	if len(clipPaths) == 0 {
		return fmt.Errorf("%w: no clips to concatenate", faults.ErrEncoder)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %v", faults.ErrEncoder, err)
	}

	tmpDir, err := os.MkdirTemp("", "render_concat_")
	if err != nil {
		return fmt.Errorf("%w: scratch dir: %v", faults.ErrEncoder, err)
	}
	defer os.RemoveAll(tmpDir)

	var listBody strings.Builder
	for idx, clip := range clipPaths {
		normalized := filepath.Join(tmpDir, fmt.Sprintf("norm_%04d.mp4", idx))
		err := e.run(ctx, "clip normalize failed",
			"-y",
			"-i", clip,
			"-vf", e.normalizeFilter(),
			"-an",
			"-r", fmt.Sprint(s.FPS),
			"-pix_fmt", s.PixelFormat,
			"-c:v", s.VideoCodec,
			normalized,
		)
		if err != nil {
			return err
		}
		fmt.Fprintf(&listBody, "file '%s'\n", filepath.ToSlash(normalized))
	}

	listFile := filepath.Join(tmpDir, "clips.txt")
	if err := os.WriteFile(listFile, []byte(listBody.String()), 0o644); err != nil {
		return fmt.Errorf("%w: write concat list: %v", faults.ErrEncoder, err)
	}

	if bgmPath != "" {
		return e.run(ctx, "final render failed",
			"-y",
			"-f", "concat",
			"-safe", "0",
			"-i", listFile,
			"-stream_loop", "-1",
			"-i", bgmPath,
			"-map", "0:v:0",
			"-map", "1:a:0",
			"-filter:a", fmt.Sprintf("volume=%g", bgmVolume),
			"-shortest",
			"-r", fmt.Sprint(s.FPS),
			"-pix_fmt", s.PixelFormat,
			"-c:v", s.VideoCodec,
			"-c:a", "aac",
			outputPath,
		)
	}
	return e.run(ctx, "final render failed",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-map", "0:v:0",
		"-an",
		"-r", fmt.Sprint(s.FPS),
		"-pix_fmt", s.PixelFormat,
		"-c:v", s.VideoCodec,
		outputPath,
	)
}
