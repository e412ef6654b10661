// ABOUTME: Builds the upstream setup frame and merges the operator patch file into it.
// ABOUTME: The patch adds tools and generation fields but never replaces speech or modality config.

package bridge

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Patch is operator-supplied setup configuration layered on top of the base setup.
type Patch struct {
	Tools            []any          `yaml:"tools"`
	GenerationConfig map[string]any `yaml:"generationConfig"`
}

// protected generationConfig keys the patch may not override.
var protectedGenerationKeys = []string{"responseModalities", "speechConfig"}

// LoadPatch reads a YAML or JSON patch file. An empty path returns nil.
func LoadPatch(path string) (*Patch, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading setup patch: %w", err)
	}
	return ParsePatch(data)
}

// ParsePatch decodes patch content. YAML is a superset of JSON, so both parse here.
func ParsePatch(data []byte) (*Patch, error) {
	var p Patch
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing setup patch: %w", err)
	}
	// Round-trip through JSON to fail early on values the wire encoder cannot handle.
	if _, err := json.Marshal(p.Tools); err != nil {
		return nil, fmt.Errorf("setup patch tools: %w", err)
	}
	if _, err := json.Marshal(p.GenerationConfig); err != nil {
		return nil, fmt.Errorf("setup patch generationConfig: %w", err)
	}
	return &p, nil
}

// SetupOptions is the base setup configuration.
type SetupOptions struct {
	SystemInstruction  string
	ResponseModalities []string
	Voice              string
	ActivityHandling   string
	Patch              *Patch
}

// BuildSetup assembles the setup frame for a model.
func BuildSetup(model string, opts SetupOptions) SetupFrame {
	gc := make(map[string]any)
	if opts.Patch != nil {
		for k, v := range opts.Patch.GenerationConfig {
			gc[k] = v
		}
	}
	for _, k := range protectedGenerationKeys {
		delete(gc, k)
	}
	if len(opts.ResponseModalities) > 0 {
		gc["responseModalities"] = opts.ResponseModalities
	}
	if opts.Voice != "" {
		gc["speechConfig"] = SpeechConfig{
			VoiceConfig: VoiceConfig{PrebuiltVoiceConfig: PrebuiltVoice{VoiceName: opts.Voice}},
		}
	}

	setup := Setup{
		Model:               model,
		GenerationConfig:    gc,
		RealtimeInputConfig: RealtimeInputConfig{ActivityHandling: opts.ActivityHandling},
	}
	if opts.SystemInstruction != "" {
		setup.SystemInstruction = &Content{Parts: Parts{TextPart{Text: opts.SystemInstruction}}}
	}
	if opts.Patch != nil {
		setup.Tools = append(setup.Tools, opts.Patch.Tools...)
	}
	return SetupFrame{Setup: setup}
}
