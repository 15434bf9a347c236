package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// weightsFormatRange accepts any 1.x weights file.
var weightsFormatRange = semver.MustParse("2.0.0")

// WeightsFile is the on-disk committee calibration format.
type WeightsFile struct {
	FormatVersion string             `yaml:"format_version"`
	Weights       map[string]float64 `yaml:"weights"`
}

// SignWeights returns the detached signature for a weights file body: the
// hex HMAC-SHA256 of the raw bytes under the shared key.
func SignWeights(data, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// LoadWeights reads a provider weights YAML. A missing path yields uniform
// weights; a present but malformed or incompatible file is an error, never a
// silent fallback. With a non-empty key the file must carry a valid detached
// signature at <path>.sig, so a tampered calibration cannot tilt votes.
func LoadWeights(path string, key []byte) (contracts.ProviderWeights, error) {
	if path == "" {
		return contracts.ProviderWeights{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("weights: read %s: %w", path, err)
	}
	if len(key) > 0 {
		sig, err := os.ReadFile(path + ".sig")
		if err != nil {
			return nil, fmt.Errorf("weights: read signature for %s: %w", path, err)
		}
		want := SignWeights(data, key)
		if !hmac.Equal([]byte(want), []byte(strings.TrimSpace(string(sig)))) {
			return nil, fmt.Errorf("weights: %s: signature mismatch", path)
		}
	}
	var wf WeightsFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("weights: parse %s: %w", path, err)
	}
	if wf.FormatVersion == "" {
		return nil, fmt.Errorf("weights: %s: format_version is required", path)
	}
	v, err := semver.NewVersion(wf.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("weights: %s: bad format_version %q: %w", path, wf.FormatVersion, err)
	}
	if v.Major() != 1 || !v.LessThan(weightsFormatRange) {
		return nil, fmt.Errorf("weights: %s: unsupported format_version %s, want 1.x", path, wf.FormatVersion)
	}
	out := make(contracts.ProviderWeights, len(wf.Weights))
	for provider, w := range wf.Weights {
		if w <= 0 {
			return nil, fmt.Errorf("weights: %s: provider %q has non-positive weight %v", path, provider, w)
		}
		out[provider] = w
	}
	return out, nil
}
