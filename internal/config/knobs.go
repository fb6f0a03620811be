package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chaz8081/meetscribe/internal/apperr"
)

// Environment variables read by Resolve.
const (
	EnvBackend     = "ASR_BACKEND"
	EnvModel       = "WHISPER_MODEL"
	EnvModelAlt    = "DEFAULT_MODEL"
	EnvDevice      = "ASR_DEVICE"
	EnvCompute     = "FASTER_COMPUTE_TYPE"
	EnvCPUThreads  = "FASTER_CPU_THREADS"
	EnvBeamSize    = "FASTER_BEAM_SIZE"
	EnvVAD         = "FASTER_VAD"
	EnvForceRU     = "FORCE_RU"
	EnvASRLanguage = "ASR_LANGUAGE"
)

// Backend selects the ASR engine family.
type Backend string

const (
	// BackendFast is faster-whisper (CTranslate2, reduced precision, batched).
	BackendFast Backend = "fast"
	// BackendReference is whisper.cpp at full precision.
	BackendReference Backend = "reference"
)

// Compute is the numeric precision used by the fast backend.
type Compute string

const (
	ComputeInt8        Compute = "int8"
	ComputeInt8Float16 Compute = "int8_float16"
	ComputeInt8Float32 Compute = "int8_float32"
	ComputeFloat16     Compute = "float16"
	ComputeFloat32     Compute = "float32"
)

// Documented defaults for every knob.
const (
	DefaultBackend    = BackendFast
	DefaultModel      = "medium"
	DefaultDevice     = "auto"
	DefaultCompute    = ComputeInt8
	DefaultCPUThreads = 1
	DefaultBeamSize   = 5
)

var backendAliases = map[string]Backend{
	"fast":        BackendFast,
	"faster":      BackendFast,
	"reference":   BackendReference,
	"whisper":     BackendReference,
	"whisper.cpp": BackendReference,
	"whispercpp":  BackendReference,
}

var modelSizes = map[string]bool{
	"tiny": true, "tiny.en": true,
	"base": true, "base.en": true,
	"small": true, "small.en": true,
	"medium": true, "medium.en": true,
	"large": true, "large-v1": true, "large-v2": true, "large-v3": true,
	"large-v3-turbo": true, "turbo": true,
}

// IsModelSize reports whether size is a known Whisper model size.
func IsModelSize(size string) bool {
	return modelSizes[size]
}

var computeTypes = map[string]Compute{
	"int8":         ComputeInt8,
	"int8_float16": ComputeInt8Float16,
	"int8_float32": ComputeInt8Float32,
	"float16":      ComputeFloat16,
	"float32":      ComputeFloat32,
}

// LookupFunc reads one variable from an environment snapshot.
// os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// MapLookup adapts a map to a LookupFunc.
func MapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// Knobs is the immutable per-invocation ASR configuration.
type Knobs struct {
	Backend    Backend
	Model      string
	Device     string // "auto", "cpu", "cuda", "cuda:N" or "metal"
	Compute    Compute
	CPUThreads int
	BeamSize   int
	VAD        bool
	Language   string // "" = backend auto-detection

	// Fallbacks lists knobs whose present-but-invalid values were replaced
	// by their defaults, for the caller to report.
	Fallbacks []string
}

// Key identifies a loaded engine: two Knobs with the same Key share one
// model in memory.
type Key struct {
	Backend Backend
	Model   string
	Device  string
	Compute Compute
}

// Key returns the engine cache key for k.
func (k Knobs) Key() Key {
	return Key{Backend: k.Backend, Model: k.Model, Device: k.Device, Compute: k.Compute}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Backend, k.Model, k.Device, k.Compute)
}

// CUDAIndex returns the device index for "cuda:N" devices.
func (k Knobs) CUDAIndex() (int, bool) {
	rest, ok := strings.CutPrefix(k.Device, "cuda:")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

// Resolve builds Knobs from an environment snapshot. It reads nothing but
// lookup. Absent or empty variables take their documented default; values
// outside a knob's allowed set fail with a ConfigError naming the knob.
func Resolve(lookup LookupFunc) (Knobs, error) {
	k := Knobs{
		Backend:    DefaultBackend,
		Model:      DefaultModel,
		Device:     DefaultDevice,
		Compute:    DefaultCompute,
		CPUThreads: DefaultCPUThreads,
		BeamSize:   DefaultBeamSize,
	}

	if v := get(lookup, EnvBackend); v != "" {
		b, ok := backendAliases[v]
		if !ok {
			return Knobs{}, apperr.Config(EnvBackend, v)
		}
		k.Backend = b
	}

	model, modelVar := get(lookup, EnvModel), EnvModel
	if model == "" {
		model, modelVar = get(lookup, EnvModelAlt), EnvModelAlt
	}
	if model != "" {
		if !modelSizes[model] {
			return Knobs{}, apperr.Config(modelVar, model)
		}
		k.Model = model
	}

	if v := get(lookup, EnvDevice); v != "" {
		d, ok := normalizeDevice(v)
		if !ok {
			return Knobs{}, apperr.Config(EnvDevice, v)
		}
		k.Device = d
	}

	if v := get(lookup, EnvCompute); v != "" {
		c, ok := computeTypes[v]
		if !ok {
			return Knobs{}, apperr.Config(EnvCompute, v)
		}
		k.Compute = c
	}

	if v := get(lookup, EnvCPUThreads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			k.Fallbacks = append(k.Fallbacks, fmt.Sprintf("%s=%q is not a positive integer, using %d", EnvCPUThreads, v, DefaultCPUThreads))
		} else {
			k.CPUThreads = n
		}
	}

	if v := get(lookup, EnvBeamSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			k.Fallbacks = append(k.Fallbacks, fmt.Sprintf("%s=%q is not a positive integer, using %d", EnvBeamSize, v, DefaultBeamSize))
		} else {
			k.BeamSize = n
		}
	}

	k.VAD = get(lookup, EnvVAD) == "1"

	if v := get(lookup, EnvASRLanguage); v != "" && v != "auto" {
		k.Language = v
	}
	if get(lookup, EnvForceRU) == "1" {
		k.Language = "ru"
	}

	return k, nil
}

// normalizeDevice accepts auto, cpu, cuda, cuda:N, a bare index N (cuda:N)
// and metal (mps is an alias).
func normalizeDevice(v string) (string, bool) {
	switch v {
	case "auto", "cpu", "cuda", "metal":
		return v, true
	case "mps":
		return "metal", true
	}
	idx := strings.TrimPrefix(v, "cuda:")
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return "", false
	}
	return "cuda:" + strconv.Itoa(n), true
}

func get(lookup LookupFunc, key string) string {
	v, ok := lookup(key)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(v))
}
