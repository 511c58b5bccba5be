package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"memorialtube/internal/artifact"
	"memorialtube/internal/callback"
	"memorialtube/internal/canvas"
	"memorialtube/internal/config"
	"memorialtube/internal/encoder"
	"memorialtube/internal/lastclip"
	"memorialtube/internal/pathguard"
	"memorialtube/internal/pipeline"
	"memorialtube/internal/providers"
	"memorialtube/internal/queue"
	"memorialtube/internal/render"
	"memorialtube/internal/runtime"
	"memorialtube/internal/safety"
	"memorialtube/internal/store"
	"memorialtube/internal/telemetry"
	"memorialtube/internal/transition"
	workerproc "memorialtube/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	guard, err := pathguard.New(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("storage root: %v", err)
	}

	enc := encoder.New(encoder.Settings{
		FFmpegPath:  cfg.FFmpegPath,
		Width:       cfg.TargetWidth,
		Height:      cfg.TargetHeight,
		FPS:         cfg.TargetFPS,
		PixelFormat: cfg.OutputPixelFormat,
		VideoCodec:  cfg.OutputVideoCodec,
	})
	if version, err := enc.Version(ctx); err != nil {
		log.Printf("ffmpeg probe failed: %v", err)
	} else {
		log.Printf("using %s", version)
	}

	thresholds := safety.Thresholds{
		ProtectedMaxChangedRatio: cfg.ProtectedMaxChangedRatio,
		ProtectedDiffThreshold:   cfg.ProtectedDiffThreshold,
		SeamMaxMeanDiff:          cfg.SeamMaxMeanDiff,
		SeamMaxP95Diff:           cfg.SeamMaxP95Diff,
		SeamMinPairCount:         cfg.SeamMinPairCount,
		ToneMaxMeanDelta:         cfg.ToneMaxMeanDelta,
		ToneMaxStdDelta:          cfg.ToneMaxStdDelta,
		ToneRefBandWidth:         cfg.ToneRefBandWidth,
		ToneMinPixelsPerSide:     cfg.ToneMinPixelsPerSide,
	}

	canvases := canvas.NewBuilder(canvas.Settings{
		Width:                 cfg.TargetWidth,
		Height:                cfg.TargetHeight,
		MinWidthForGeneration: cfg.OutpaintMinWidth,
		BlurRadius:            cfg.CanvasBlurRadius,
		EdgeBlendWidth:        cfg.CanvasEdgeBlendWidth,
		MaxAttempts:           cfg.OutpaintMaxAttempts,
		Prompt:                cfg.OutpaintPrompt,
		NegativePrompt:        cfg.OutpaintNegativePrompt,
		StrictSafety:          cfg.StrictSafetyChecks,
		Thresholds:            thresholds,
	}, providers.ResolveExtender(cfg), providers.ResolveDetector(cfg))

	transitions := transition.NewSynthesizer(transition.Settings{
		Width:          cfg.TargetWidth,
		Height:         cfg.TargetHeight,
		FPS:            cfg.TargetFPS,
		Duration:       cfg.TransitionDuration,
		MaxAttempts:    cfg.TransitionMaxAttempts,
		Prompt:         cfg.TransitionPrompt,
		NegativePrompt: cfg.TransitionNegPrompt,
	}, providers.ResolveTransitionSynth(cfg), enc)

	lastClips := lastclip.NewCreator(lastclip.Settings{
		Duration:    cfg.LastClipDuration,
		MotionStyle: cfg.LastClipMotionStyle,
	}, enc)

	renderer := render.NewRenderer(enc)
	pipelines := pipeline.NewOrchestrator(canvases, transitions, lastClips, renderer)

	publisher, err := artifact.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact publisher: %v", err)
	}
	notifier := callback.NewNotifier(cfg.CallbackTimeout)

	handlers := workerproc.NewHandlers(guard, enc, canvases, transitions, lastClips, renderer, pipelines, st, notifier, publisher)
	tracker := runtime.NewTracker()
	q := queue.NewRedisQueue(cfg)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = fmt.Sprintf("worker-%d", os.Getpid())
	}

	workers := cfg.WorkerCount
	if workers < 1 {
		workers = 1
	}
	log.Printf("starting %d workers, visibility=%s", workers, cfg.VisibilityTimeout)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("%s-%d", hostname, i)
		processor := workerproc.NewProcessor(cfg, q, st, tracker, workerID)
		handlers.RegisterAll(processor)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("worker stopped: %v", err)
			}
		}()
	}
	wg.Wait()
}
