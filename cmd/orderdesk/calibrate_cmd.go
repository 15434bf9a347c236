package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Quillon-Labs/orderdesk/pkg/committee"
	"github.com/Quillon-Labs/orderdesk/pkg/config"
	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/secrets"
)

// poolForModels builds the provider pool for calibration. Swapped out in
// tests so no real vendor client is constructed.
var poolForModels = envProviderPool

// goldenEntry is one record of the golden set file: an evidence pack plus
// the expected value per field, nil meaning the field must stay absent.
type goldenEntry struct {
	Name     string                         `json:"name"`
	Pack     *contracts.EvidencePack        `json:"pack"`
	Expected map[contracts.FieldKey]*string `json:"expected"`
}

// runCalibrateCmd implements `orderdesk calibrate <golden.json>`. It runs
// every configured provider over the golden set offline and writes the
// resulting vote weights as a weights file the daemon can load.
func runCalibrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		pool    string
		out     string
		timeout time.Duration
	)
	cmd.StringVar(&pool, "pool", "", "Comma-separated model names (default PROVIDER_POOL)")
	cmd.StringVar(&out, "out", "weights.yaml", "Path for the weights file")
	cmd.DurationVar(&timeout, "timeout", 0, "Per-provider timeout (default COMMITTEE_TIMEOUT)")

	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: calibrate expects exactly one golden set file")
		return exitValidation
	}

	data, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitValidation
	}
	var entries []goldenEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: golden set is not valid JSON: %v\n", err)
		return exitValidation
	}
	golden := make([]committee.GoldenCase, 0, len(entries))
	for i, e := range entries {
		if e.Pack == nil {
			_, _ = fmt.Fprintf(stderr, "Error: golden case %d (%s) has no evidence pack\n", i, e.Name)
			return exitValidation
		}
		golden = append(golden, committee.GoldenCase{Name: e.Name, Pack: e.Pack, Expected: e.Expected})
	}

	cfg := config.Load()
	models := cfg.ProviderPool
	if pool != "" {
		models = strings.Split(pool, ",")
		for i := range models {
			models[i] = strings.TrimSpace(models[i])
		}
	}
	if timeout <= 0 {
		timeout = cfg.CommitteeTimeout
	}

	ctx := context.Background()
	providers, err := poolForModels(ctx, models)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}

	weights, err := committee.Calibrate(ctx, providers, golden, timeout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: calibration failed: %v\n", err)
		return exitTransient
	}

	if err := writeWeightsFile(out, weights, []byte(cfg.WeightsKey)); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFatal
	}

	_, _ = fmt.Fprintf(stdout, "Calibrated %d providers over %d golden cases\n", len(weights), len(golden))
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(stdout, "  %-40s %.3f\n", name, weights[name])
	}
	_, _ = fmt.Fprintf(stdout, "Weights written to %s\n", out)
	return exitOK
}

// writeWeightsFile persists calibration output in the format LoadWeights
// reads back, plus the detached signature when a signing key is configured.
func writeWeightsFile(path string, weights contracts.ProviderWeights, key []byte) error {
	wf := config.WeightsFile{
		FormatVersion: "1.0.0",
		Weights:       weights,
	}
	data, err := yaml.Marshal(&wf)
	if err != nil {
		return fmt.Errorf("weights: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("weights: write %s: %w", path, err)
	}
	if len(key) > 0 {
		sig := config.SignWeights(data, key) + "\n"
		if err := os.WriteFile(path+".sig", []byte(sig), 0o644); err != nil {
			return fmt.Errorf("weights: write %s.sig: %w", path, err)
		}
	}
	return nil
}

// envProviderPool builds real vendor clients with API keys from the
// environment. Model name prefixes pick the vendor family, mirroring how
// the daemon seats its pool.
func envProviderPool(ctx context.Context, models []string) ([]committee.Provider, error) {
	src, err := secrets.New(nil, nil)
	if err != nil {
		return nil, err
	}
	pool := make([]committee.Provider, 0, len(models))
	for _, model := range models {
		switch {
		case strings.HasPrefix(model, "claude"):
			key, err := src.Get(ctx, secrets.AnthropicAPIKey)
			if err != nil {
				return nil, fmt.Errorf("committee provider %s: %w", model, err)
			}
			pool = append(pool, committee.NewAnthropicProvider(model, key))
		case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
			key, err := src.Get(ctx, secrets.OpenAIAPIKey)
			if err != nil {
				return nil, fmt.Errorf("committee provider %s: %w", model, err)
			}
			pool = append(pool, committee.NewOpenAIProvider(model, key, ""))
		case strings.HasPrefix(model, "gemini"):
			key, err := src.Get(ctx, secrets.GoogleAPIKey)
			if err != nil {
				return nil, fmt.Errorf("committee provider %s: %w", model, err)
			}
			pool = append(pool, committee.NewGoogleProvider(model, key, ""))
		default:
			return nil, fmt.Errorf("committee provider %q: unknown vendor family", model)
		}
	}
	return pool, nil
}
