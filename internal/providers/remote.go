package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
)

// remoteClient is the shared HTTP plumbing for inference-service providers.
// The first call probes the endpoint once; a failed probe is remembered and
// every later call reports ErrProviderLoad so the selector can downgrade.
type remoteClient struct {
	endpoint string
	client   *http.Client

	loadOnce sync.Once
	loadErr  error

	// loadFailed mirrors loadErr for readers that must not block on the
	// probe, such as Available during a concurrent first call.
	loadFailed atomic.Bool
}

func newRemoteClient(endpoint string, timeout time.Duration) *remoteClient {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &remoteClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *remoteClient) load(ctx context.Context) error {
	c.loadOnce.Do(func() {
		c.loadErr = c.probe(ctx)
		if c.loadErr != nil {
			c.loadFailed.Store(true)
		}
	})
	return c.loadErr
}

func (c *remoteClient) probe(ctx context.Context) error {
	if c.endpoint == "" {
		return fmt.Errorf("%w: no endpoint configured", ErrProviderLoad)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderLoad, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderLoad, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: health status %d", ErrProviderLoad, resp.StatusCode)
	}
	return nil
}

func (c *remoteClient) post(ctx context.Context, path string, payload, out any) error {
	if err := c.load(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func encodeImage(img image.Image) (string, error) {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeImage(data string) (*image.NRGBA, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return imaging.Clone(img), nil
}

// RemoteOutpainter calls an HTTP inference service that fills canvas margins
// with generated background.
type RemoteOutpainter struct {
	*remoteClient
}

// NewRemoteOutpainter builds the generative canvas extender.
func NewRemoteOutpainter(endpoint string, timeout time.Duration) *RemoteOutpainter {
	return &RemoteOutpainter{remoteClient: newRemoteClient(endpoint, timeout)}
}

func (p *RemoteOutpainter) Name() string     { return "remote-outpaint" }
func (p *RemoteOutpainter) Generative() bool { return true }

type outpaintRequest struct {
	Image          string `json:"image"`
	Protected      [4]int `json:"protected"`
	Prompt         string `json:"prompt,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	FastMode       bool   `json:"fast_mode,omitempty"`
}

type outpaintResponse struct {
	Image string `json:"image"`
}

// Extend sends the composed canvas and protected rectangle to the service
// and decodes the outpainted result.
func (p *RemoteOutpainter) Extend(ctx context.Context, base *image.NRGBA, geom CanvasGeometry, opts ExtendOptions) (*image.NRGBA, error) {
	img, err := encodeImage(base)
	if err != nil {
		return nil, err
	}
	req := outpaintRequest{
		Image: img,
		Protected: [4]int{
			geom.Protected.Min.X, geom.Protected.Min.Y,
			geom.Protected.Max.X, geom.Protected.Max.Y,
		},
		Prompt:         opts.Prompt,
		NegativePrompt: opts.NegativePrompt,
		FastMode:       opts.FastMode,
	}
	var resp outpaintResponse
	if err := p.post(ctx, "/v1/outpaint", req, &resp); err != nil {
		return nil, err
	}
	out, err := decodeImage(resp.Image)
	if err != nil {
		return nil, err
	}
	if out.Bounds().Dx() != geom.Width || out.Bounds().Dy() != geom.Height {
		return nil, fmt.Errorf("outpaint result size %dx%d, want %dx%d",
			out.Bounds().Dx(), out.Bounds().Dy(), geom.Width, geom.Height)
	}
	return out, nil
}

// RemoteDetector calls an HTTP detection service and filters results by a
// confidence threshold.
type RemoteDetector struct {
	*remoteClient
	threshold float64
}

// NewRemoteDetector builds the detector capability.
func NewRemoteDetector(endpoint string, threshold float64, timeout time.Duration) *RemoteDetector {
	return &RemoteDetector{
		remoteClient: newRemoteClient(endpoint, timeout),
		threshold:    threshold,
	}
}

func (d *RemoteDetector) Name() string { return "remote-detector" }

// Available reports whether the detection endpoint passed its load probe.
// It never triggers the probe itself; an unprobed detector is assumed
// available until the first Detect call fails to load.
func (d *RemoteDetector) Available() bool {
	return !d.loadFailed.Load()
}

type detectRequest struct {
	Image string `json:"image"`
}

type detectResponse struct {
	Detections []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		Box        [4]int  `json:"box"`
	} `json:"detections"`
}

func (d *RemoteDetector) Detect(ctx context.Context, img *image.NRGBA) ([]Detection, error) {
	encoded, err := encodeImage(img)
	if err != nil {
		return nil, err
	}
	var resp detectResponse
	if err := d.post(ctx, "/v1/detect", detectRequest{Image: encoded}, &resp); err != nil {
		return nil, err
	}
	out := make([]Detection, 0, len(resp.Detections))
	for _, det := range resp.Detections {
		if det.Confidence < d.threshold {
			continue
		}
		out = append(out, Detection{
			Label:      det.Label,
			Confidence: det.Confidence,
			Box:        image.Rect(det.Box[0], det.Box[1], det.Box[2], det.Box[3]),
		})
	}
	return out, nil
}

// RemoteTransitionSynth calls an HTTP service that generates the in-between
// frames of a transition.
type RemoteTransitionSynth struct {
	*remoteClient
}

// NewRemoteTransitionSynth builds the generative transition capability.
func NewRemoteTransitionSynth(endpoint string, timeout time.Duration) *RemoteTransitionSynth {
	return &RemoteTransitionSynth{remoteClient: newRemoteClient(endpoint, timeout)}
}

func (p *RemoteTransitionSynth) Name() string     { return "remote-transition" }
func (p *RemoteTransitionSynth) Generative() bool { return true }

type synthRequest struct {
	ImageA         string `json:"image_a"`
	ImageB         string `json:"image_b"`
	FrameCount     int    `json:"frame_count"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

type synthResponse struct {
	Frames []string `json:"frames"`
}

// Synthesize requests the full frame sequence. An empty or truncated frame
// list is a synthesis failure for decision purposes.
func (p *RemoteTransitionSynth) Synthesize(ctx context.Context, a, b *image.NRGBA, spec TransitionSpec) ([]*image.NRGBA, error) {
	imgA, err := encodeImage(a)
	if err != nil {
		return nil, err
	}
	imgB, err := encodeImage(b)
	if err != nil {
		return nil, err
	}
	req := synthRequest{
		ImageA:         imgA,
		ImageB:         imgB,
		FrameCount:     spec.FrameCount,
		Width:          spec.Width,
		Height:         spec.Height,
		Prompt:         spec.Prompt,
		NegativePrompt: spec.NegativePrompt,
	}
	var resp synthResponse
	if err := p.post(ctx, "/v1/transition", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Frames) < spec.FrameCount {
		return nil, fmt.Errorf("degenerate synthesis output: %d of %d frames", len(resp.Frames), spec.FrameCount)
	}
	frames := make([]*image.NRGBA, 0, len(resp.Frames))
	for i, f := range resp.Frames {
		frame, err := decodeImage(f)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
