package faster

import (
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/meetscribe/internal/apperr"
	"github.com/chaz8081/meetscribe/internal/asr"
	"github.com/chaz8081/meetscribe/internal/audio"
	"github.com/chaz8081/meetscribe/internal/config"
	"github.com/chaz8081/meetscribe/internal/logging"
)

func TestDeviceArgs(t *testing.T) {
	tests := []struct {
		device    string
		want      string
		wantIndex int
		hasIndex  bool
	}{
		{"auto", "auto", 0, false},
		{"cpu", "cpu", 0, false},
		{"cuda", "cuda", 0, false},
		{"cuda:1", "cuda", 1, true},
		{"metal", "auto", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			got, idx, ok := deviceArgs(tt.device)
			if got != tt.want || idx != tt.wantIndex || ok != tt.hasIndex {
				t.Errorf("deviceArgs(%q) = %q, %d, %v; want %q, %d, %v",
					tt.device, got, idx, ok, tt.want, tt.wantIndex, tt.hasIndex)
			}
		})
	}
}

func TestWorkerArgs(t *testing.T) {
	base := config.Knobs{Model: "small", Compute: config.ComputeInt8, CPUThreads: 4}

	cpu := base
	cpu.Device = "cpu"
	got := strings.Join(workerArgs("w.py", cpu), " ")
	want := "w.py --model small --device cpu --compute-type int8 --cpu-threads 4"
	if got != want {
		t.Errorf("cpu args = %q, want %q", got, want)
	}

	gpu := base
	gpu.Device = "cuda:2"
	gpu.Compute = config.ComputeFloat16
	got = strings.Join(workerArgs("w.py", gpu), " ")
	want = "w.py --model small --device cuda --compute-type float16 --cpu-threads 0 --device-index 2"
	if got != want {
		t.Errorf("cuda args = %q, want %q", got, want)
	}
}

func TestResponseSegments(t *testing.T) {
	lp := math.Log(0.5)
	resp := response{Segments: []wireSegment{
		{Start: 1.25, End: 2.5, Text: "one", AvgLogProb: &lp},
		{Start: 3, End: 4, Text: "two"},
	}}

	segs := resp.segments()
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Start != 1250*time.Millisecond || segs[0].End != 2500*time.Millisecond {
		t.Errorf("segment 0 = %v..%v", segs[0].Start, segs[0].End)
	}
	if math.Abs(segs[0].Confidence-0.5) > 1e-9 {
		t.Errorf("segment 0 confidence = %f, want 0.5", segs[0].Confidence)
	}
	if segs[1].HasConfidence() {
		t.Error("segment without avg_logprob should have unknown confidence")
	}
}

func TestEmbeddedWorkerScript(t *testing.T) {
	script := string(workerScript)
	for _, want := range []string{"WhisperModel", `"ready"`, "--compute-type", "--cpu-threads", "vad_filter"} {
		if !strings.Contains(script, want) {
			t.Errorf("embedded worker script missing %q", want)
		}
	}
}

const fakeWorker = `
import json, os, sys, time

args = sys.argv[1:]
model = args[args.index("--model") + 1]
if model == "broken":
    print(json.dumps({"error": "RuntimeError: model not found"}), flush=True)
    sys.exit(1)
print(json.dumps({"ready": True}), flush=True)

for line in sys.stdin:
    req = json.loads(line)
    lang = req.get("language")
    if lang == "hang":
        time.sleep(60)
    if lang == "fail":
        print(json.dumps({"error": "ValueError: boom"}), flush=True)
        continue
    if not os.path.exists(req["audio"]):
        print(json.dumps({"error": "missing audio"}), flush=True)
        continue
    seg = {"start": 0.1, "end": 0.6, "text": " hi ", "avg_logprob": -0.1}
    print(json.dumps({"segments": [seg], "language": "en"}), flush=True)
`

func fakeConfig(t *testing.T) Config {
	t.Helper()
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skipf("python3 not available: %v", err)
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake_worker.py")
	if err := os.WriteFile(script, []byte(fakeWorker), 0644); err != nil {
		t.Fatal(err)
	}
	return Config{
		Python:  python,
		Script:  script,
		Window:  time.Second,
		TempDir: dir,
		Logger:  logging.Nop(),
	}
}

func testKnobs(model string) config.Knobs {
	return config.Knobs{
		Backend:    config.BackendFast,
		Model:      model,
		Device:     "cpu",
		Compute:    config.ComputeInt8,
		CPUThreads: 1,
		BeamSize:   5,
	}
}

func TestEngineTranscribesEachWindow(t *testing.T) {
	cfg := fakeConfig(t)
	e, err := New(context.Background(), cfg, testKnobs("tiny"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = e.Close() }()

	buf := &audio.Buffer{Samples: make([]float32, 3*16000), SampleRate: 16000}
	segs, err := e.Transcribe(context.Background(), buf, asr.Options{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want one per 1s window", len(segs))
	}
	for i, s := range segs {
		wantStart := time.Duration(i)*time.Second + 100*time.Millisecond
		if s.Start != wantStart {
			t.Errorf("segment %d start = %v, want %v", i, s.Start, wantStart)
		}
		if s.Text != "hi" {
			t.Errorf("segment %d text = %q", i, s.Text)
		}
		if !s.HasConfidence() {
			t.Errorf("segment %d has no confidence", i)
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(cfg.TempDir, "meetscribe-window-*.wav"))
	if len(leftovers) != 0 {
		t.Errorf("window files left behind: %v", leftovers)
	}
}

func TestEngineLoadFailure(t *testing.T) {
	cfg := fakeConfig(t)
	_, err := New(context.Background(), cfg, testKnobs("broken"))
	if !apperr.Is(err, apperr.CodeModelLoad) {
		t.Fatalf("New() error = %v, want ModelLoadError", err)
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error %q should carry the worker message", err.Error())
	}
}

func TestEngineMissingInterpreter(t *testing.T) {
	cfg := Config{Python: "/nonexistent/python3", TempDir: t.TempDir(), Logger: logging.Nop()}
	_, err := New(context.Background(), cfg, testKnobs("tiny"))
	if !apperr.Is(err, apperr.CodeModelLoad) {
		t.Fatalf("New() error = %v, want ModelLoadError", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(cfg.TempDir, "meetscribe-faster-*.py"))
	if len(leftovers) != 0 {
		t.Errorf("worker script left behind: %v", leftovers)
	}
}

func TestEngineWorkerErrorIsInference(t *testing.T) {
	cfg := fakeConfig(t)
	e, err := New(context.Background(), cfg, testKnobs("tiny"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = e.Close() }()

	buf := &audio.Buffer{Samples: make([]float32, 16000), SampleRate: 16000}
	_, err = e.Transcribe(context.Background(), buf, asr.Options{Language: "fail"})
	if !apperr.Is(err, apperr.CodeInference) {
		t.Fatalf("Transcribe() error = %v, want InferenceError", err)
	}

	// The worker survives a per-request error.
	if _, err := e.Transcribe(context.Background(), buf, asr.Options{}); err != nil {
		t.Fatalf("Transcribe() after error = %v", err)
	}
}

func TestEngineCancelKillsAndRespawns(t *testing.T) {
	cfg := fakeConfig(t)
	e, err := New(context.Background(), cfg, testKnobs("tiny"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = e.Close() }()

	buf := &audio.Buffer{Samples: make([]float32, 16000), SampleRate: 16000}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = e.Transcribe(ctx, buf, asr.Options{Language: "hang"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Transcribe() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("cancellation did not interrupt the worker promptly")
	}

	segs, err := e.Transcribe(context.Background(), buf, asr.Options{})
	if err != nil {
		t.Fatalf("Transcribe() after cancel error = %v", err)
	}
	if len(segs) != 1 {
		t.Errorf("got %d segments after respawn, want 1", len(segs))
	}
}
