package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/framecap/pkg/videox"
	"github.com/cyclopcam/framecap/server/session"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrMalformedParams = errors.New("Malformed session parameters")
var ErrMissingConfiguration = errors.New("Missing session parameters")

// The orchestrator writes every value as a string, but we also accept plain JSON numbers and booleans.
// Any property that we don't know about is a capture setting, which we pass through to the source.
const paramsSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["mode", "frames"],
	"definitions": {
		"uint": {
			"anyOf": [
				{"type": "integer", "minimum": 0},
				{"type": "string", "pattern": "^\\s*[0-9]+\\s*$"}
			]
		},
		"bool": {
			"anyOf": [
				{"type": "boolean"},
				{"type": "string", "enum": ["true", "false", "1", "0", "yes", "no"]}
			]
		}
	},
	"properties": {
		"mode": {
			"anyOf": [
				{"type": "integer", "minimum": 0, "maximum": 3},
				{"type": "string", "pattern": "^\\s*[0-3]\\s*$"}
			]
		},
		"frames": {"$ref": "#/definitions/uint"},
		"buffer": {"$ref": "#/definitions/bool"},
		"timestamps_file": {"type": "string"},
		"pid": {"$ref": "#/definitions/uint"},
		"timeout": {"$ref": "#/definitions/uint"},
		"frames_per_trigger": {"$ref": "#/definitions/uint"},
		"codec": {"type": "string"}
	},
	"additionalProperties": {"type": ["string", "number", "boolean"]}
}`

var compiledSchema struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

func paramsValidator() (*jsonschema.Schema, error) {
	compiledSchema.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("framecap-params.json", strings.NewReader(paramsSchema)); err != nil {
			compiledSchema.err = err
			return
		}
		compiledSchema.schema, compiledSchema.err = compiler.Compile("framecap-params.json")
	})
	return compiledSchema.schema, compiledSchema.err
}

// Properties that we interpret ourselves, and don't forward as capture settings
var knownParams = map[string]bool{
	"mode":               true,
	"frames":             true,
	"buffer":             true,
	"timestamps_file":    true,
	"pid":                true,
	"timeout":            true,
	"frames_per_trigger": true,
	"codec":              true,
}

// Params are the session parameters, supplied by the orchestrator before every Reconfigure
type Params struct {
	Mode             session.Mode
	Frames           uint32 // Frames per acquisition, or segments in BufferedTriggered mode
	Buffering        bool
	TimestampsFile   string
	Pid              int           // Orchestrator process, for lifecycle notifications. 0 = unknown.
	Timeout          time.Duration // 0 = no duration bound
	FramesPerTrigger uint32
	Codec            videox.Codec
	Capture          map[string]string // Opaque capture settings (awb, shutter, width, etc)
}

// Settings returns the session settings described by these parameters
func (p *Params) Settings() session.Settings {
	return session.Settings{
		Mode:             p.Mode,
		TargetFrames:     p.Frames,
		Buffering:        p.Buffering,
		FramesPerTrigger: p.FramesPerTrigger,
		Timeout:          p.Timeout,
	}
}

// Sorted names of the capture settings
func (p *Params) CaptureKeys() []string {
	keys := make([]string, 0, len(p.Capture))
	for k := range p.Capture {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadParams reads and parses the parameters document at path.
// A missing or empty file is ErrMissingConfiguration. Anything else that is wrong is ErrMalformedParams.
func LoadParams(path string) (*Params, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no parameters path", ErrMissingConfiguration)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrMissingConfiguration, err)
		}
		return nil, fmt.Errorf("Error reading %v: %w", path, err)
	}
	return ParseParams(raw)
}

// ParseParams validates raw against the parameters schema and decodes it.
// Either the entire document is accepted, or an error is returned.
func ParseParams(raw []byte) (*Params, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("%w: document is empty", ErrMissingConfiguration)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedParams, err)
	}
	if obj, ok := doc.(map[string]any); ok {
		for _, required := range []string{"mode", "frames"} {
			if _, ok := obj[required]; !ok {
				return nil, fmt.Errorf("%w: '%v' is not specified", ErrMissingConfiguration, required)
			}
		}
	}
	schema, err := paramsValidator()
	if err != nil {
		return nil, fmt.Errorf("Failed to compile parameters schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedParams, err)
	}
	obj := doc.(map[string]any)

	p := &Params{
		Capture: map[string]string{},
	}
	mode, _ := parseUint(obj["mode"])
	if p.Mode, err = session.ParseMode(int(mode)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedParams, err)
	}
	frames, err := parseUint(obj["frames"])
	if err != nil {
		return nil, fmt.Errorf("%w: frames: %w", ErrMalformedParams, err)
	}
	p.Frames = uint32(frames)

	p.Buffering = p.Mode.DefaultBuffering()
	if v, ok := obj["buffer"]; ok {
		p.Buffering = parseBool(v)
	}
	if v, ok := obj["timestamps_file"]; ok {
		p.TimestampsFile = strings.TrimSpace(v.(string))
	}
	if v, ok := obj["pid"]; ok {
		pid, err := parseUint(v)
		if err != nil {
			return nil, fmt.Errorf("%w: pid: %w", ErrMalformedParams, err)
		}
		p.Pid = int(pid)
	}
	if v, ok := obj["timeout"]; ok {
		ms, err := parseUint(v)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout: %w", ErrMalformedParams, err)
		}
		p.Timeout = time.Duration(ms) * time.Millisecond
	}
	p.FramesPerTrigger = 1
	if v, ok := obj["frames_per_trigger"]; ok {
		n, err := parseUint(v)
		if err != nil {
			return nil, fmt.Errorf("%w: frames_per_trigger: %w", ErrMalformedParams, err)
		}
		if n > 0 {
			p.FramesPerTrigger = uint32(n)
		}
	}
	if v, ok := obj["codec"]; ok {
		if p.Codec, err = videox.ParseCodec(strings.TrimSpace(v.(string))); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedParams, err)
		}
	}

	for k, v := range obj {
		if knownParams[k] {
			continue
		}
		p.Capture[k] = stringify(v)
	}
	return p, nil
}

func parseUint(v any) (uint64, error) {
	switch x := v.(type) {
	case float64:
		if x < 0 || x > math.MaxUint32 || x != float64(uint64(x)) {
			return 0, fmt.Errorf("%v is not a whole number", x)
		}
		return uint64(x), nil
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(x), 10, 32)
		if err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func parseBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprintf("%v", v)
}
