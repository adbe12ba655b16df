package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agenr/agenr/pkg/faults"
)

// ScaffoldGenerator is the local Generator: it emits a skeleton spec the
// owner edits in their sandbox before submitting for review. Deployments
// with a real generation backend swap it out behind the same interface.
type ScaffoldGenerator struct{}

func (ScaffoldGenerator) Generate(ctx context.Context, platform string, logf func(line string)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "scaffold %s", platform)
	}

	logf(fmt.Sprintf("scaffolding adapter skeleton for %s", platform))

	skeleton := map[string]any{
		"manifest": map[string]any{
			"platform":    platform,
			"version":     "0.1.0",
			"description": fmt.Sprintf("Generated skeleton for %s. Edit before submitting for review.", platform),
			"domains": map[string]any{
				"allowed": []string{"api." + platform + ".example"},
			},
		},
		"handlers": map[string]any{
			"discover": map[string]any{
				"method": "GET",
				"url":    "https://api." + platform + ".example/capabilities",
			},
		},
	}

	source, err := json.MarshalIndent(skeleton, "", "  ")
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalid, err, "marshal skeleton for %s", platform)
	}

	logf("skeleton ready, installing to sandbox")
	return source, nil
}
