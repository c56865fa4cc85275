// Command fxdemo runs a small filter graph on the headless noop backend:
// it sets up a renderer, runs frames through two filters, cancels a batch
// of preview work by tag and recovers from a simulated device loss.
package main

import (
	"context"
	"embed"
	"encoding/binary"
	"flag"
	"log"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/fxcore"
	"github.com/gogpu/fxcore/filter"
	"github.com/gogpu/fxcore/queue"
	"github.com/gogpu/fxcore/recovery"
	"github.com/gogpu/fxcore/resource"
)

//go:embed shaders/*.wgsl
var shaders embed.FS

func main() {
	var (
		config  = flag.String("config", "", "settings file (YAML)")
		frames  = flag.Int("frames", 10, "frames to render")
		verbose = flag.Bool("v", false, "log renderer diagnostics")
	)
	flag.Parse()

	if *verbose {
		fxcore.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	settings := fxcore.DefaultSettings()
	if *config != "" {
		s, err := fxcore.LoadSettings(*config)
		if err != nil {
			log.Fatalf("Failed to load settings: %v", err)
		}
		settings = s
	}

	adapters := gpucontext.NewRegistry[hal.Adapter](gpucontext.WithPriority("noop"))
	adapters.Register("noop", func() hal.Adapter { return &noop.Adapter{} })

	r := fxcore.New(
		fxcore.WithSettings(settings),
		fxcore.WithAdapters(adapters),
		fxcore.WithConfig(graph()),
		fxcore.WithShaderLoader(resource.FSLoader{FS: shaders}),
	)
	defer r.Dispose()

	r.OnRecovery(func(ev recovery.Event) {
		log.Printf("recovery: %s", ev)
	})

	ctx := context.Background()
	if err := r.Setup(ctx); err != nil {
		log.Fatalf("Failed to set up: %v", err)
	}
	for _, name := range []string{"invert", "levels"} {
		if err := r.FilterErr(name); err != nil {
			log.Printf("filter %s disabled: %v", name, err)
		}
	}

	start := time.Now()
	for i := 0; i < *frames; i++ {
		frame := queue.WithTag("frame", strconv.Itoa(i))
		inv := r.RunFilter(ctx, "invert", nil, queue.High, frame)
		lev := r.RunFilter(ctx, "levels", nil, queue.Normal, frame)
		for _, h := range []*queue.Handle{inv, lev} {
			if _, err := h.Wait(ctx); err != nil {
				log.Printf("frame %d: %s: %v", i, h.Label(), err)
			}
		}
	}
	log.Printf("rendered %d frames in %s", *frames, time.Since(start))

	previews(ctx, r)

	// Simulate a lost device and wait for the renderer to come back.
	if r.NotifyDeviceLost(nil) {
		if err := r.WaitRecovery(ctx); err != nil {
			log.Fatalf("Recovery wait failed: %v", err)
		}
	}
	if _, err := r.RunFilter(ctx, "invert", nil, queue.Normal).Wait(ctx); err != nil {
		log.Printf("after recovery: %v", err)
	}

	log.Println(r.Status())
	log.Println(r.CacheStats())
	log.Println(r.MemoryStats())
}

// previews queues low-priority preview renders behind a slow operation
// and cancels them by tag before they run.
func previews(ctx context.Context, r *fxcore.Renderer) {
	release := make(chan struct{})
	slow := r.Submit(queue.Urgent, func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, queue.WithLabel("slow"))

	var pending []*queue.Handle
	for i := 0; i < 5; i++ {
		pending = append(pending, r.RunFilter(ctx, "invert", nil, queue.Low,
			queue.WithTag("clip", "preview"), queue.WithTimeout(time.Second)))
	}
	n := r.CancelByTag("clip", "preview")
	close(release)

	_, _ = slow.Wait(ctx)
	cancelled := 0
	for _, h := range pending {
		if _, err := h.Wait(ctx); err != nil {
			cancelled++
		}
	}
	log.Printf("cancelled %d of %d previews (%d by tag)", cancelled, len(pending), n)
}

// graph returns the demo filter configuration: a render filter inverting
// the source into the canvas and a compute levels filter.
func graph() *filter.Config {
	return &filter.Config{
		Textures: []filter.Texture{
			{Name: "source", Format: gputypes.TextureFormatRGBA8Unorm},
			{Name: "canvas", Format: gputypes.TextureFormatBGRA8Unorm, Usage: gputypes.TextureUsageRenderAttachment},
			{Name: "graded", Format: gputypes.TextureFormatRGBA16Float, Usage: gputypes.TextureUsageStorageBinding},
		},
		Filters: []filter.Filter{
			{
				Name:   "invert",
				Kind:   filter.Render{},
				Passes: []filter.Pass{{Name: "invert", Shader: "shaders/invert.wgsl", Inputs: []string{"source"}, Output: "canvas"}},
			},
			{
				Name:   "levels",
				Kind:   filter.Compute{WorkgroupSize: [3]uint32{8, 8, 1}},
				Passes: []filter.Pass{{Name: "levels", Shader: "shaders/levels.wgsl", Inputs: []string{"source"}, Output: "graded"}},
				Buffer: &filter.Buffer{Kind: filter.BufferUniform, Size: 16, Data: levelsUniform(0.05, 0.95, 1.2)},
			},
		},
	}
}

func levelsUniform(black, white, gamma float32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(black))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(white))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(gamma))
	return buf
}
