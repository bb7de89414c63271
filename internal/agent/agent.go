// Package agent loads and validates agent definitions. Definitions are YAML
// documents; a file may hold several, separated by "---".
package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/script"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// Load reads every agent definition from the file at path.
func Load(path string) ([]*types.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}
	agents, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return agents, nil
}

// Parse decodes agent definitions from r. Unknown fields are an error.
func Parse(r io.Reader) ([]*types.Agent, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var agents []*types.Agent
	for i := 0; ; i++ {
		var a types.Agent
		err := dec.Decode(&a)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode agent document %d: %w", i+1, err)
		}
		agents = append(agents, &a)
	}
	if len(agents) == 0 {
		return nil, errors.New("no agent definitions found")
	}
	return agents, nil
}

// Options describes what the running service can serve.
type Options struct {
	// Tools lists registered tool names. Nil skips the check.
	Tools []string
	// Providers lists configured generation providers. Nil skips the check.
	Providers []string
}

// Validate checks a definition. Problems that make the agent unusable are
// returned as an error; ordering problems among script rules are returned
// as warnings because the matcher still behaves deterministically.
func Validate(a *types.Agent, opts Options) (warnings []string, err error) {
	var problems []string

	if strings.TrimSpace(string(a.ID)) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(string(a.OrganizationID)) == "" {
		problems = append(problems, "organization_id is required")
	}
	if a.Model.Name == "" {
		problems = append(problems, "model.name is required")
	}
	if a.Model.Provider == "" {
		problems = append(problems, "model.provider is required")
	} else if opts.Providers != nil && !contains(opts.Providers, a.Model.Provider) {
		problems = append(problems, fmt.Sprintf("model.provider %q is not configured", a.Model.Provider))
	}
	if a.Model.MaxTokens < 0 {
		problems = append(problems, "model.max_tokens must not be negative")
	}
	if a.Model.Temperature < 0 || a.Model.Temperature > 2 {
		problems = append(problems, "model.temperature must be within [0, 2]")
	}

	for _, name := range a.Tools {
		if opts.Tools != nil && !contains(opts.Tools, name) {
			problems = append(problems, fmt.Sprintf("tool %q is not registered", name))
		}
	}

	prev := 0
	seen := make(map[int]bool)
	for i, rule := range a.Scripts {
		label := fmt.Sprintf("scripts[%d]", i)
		if rule.Sequence < 1 {
			problems = append(problems, label+": sequence must be >= 1")
			continue
		}
		if strings.TrimSpace(rule.Text) == "" {
			problems = append(problems, label+": text is required")
		}
		if seen[rule.Sequence] {
			warnings = append(warnings, fmt.Sprintf("%s: duplicate sequence %d, only the first rule is used", label, rule.Sequence))
		} else if rule.Sequence <= prev {
			warnings = append(warnings, fmt.Sprintf("%s: sequence %d follows %d", label, rule.Sequence, prev))
		}
		seen[rule.Sequence] = true
		if rule.Sequence > prev {
			prev = rule.Sequence
		}
		warnings = append(warnings, unknownFacts(label, rule)...)
	}

	if len(problems) > 0 {
		return warnings, fmt.Errorf("agent %q: %s", a.ID, strings.Join(problems, "; "))
	}
	return warnings, nil
}

func unknownFacts(label string, rule types.ScriptRule) []string {
	var out []string
	names := script.Placeholders(rule.Text)
	if rule.When != nil {
		names = append(names, rule.When.Known...)
		names = append(names, rule.When.Unknown...)
	}
	for _, name := range names {
		if !contains(script.KnownFacts, name) {
			out = append(out, fmt.Sprintf("%s: %q is not a fact the service extracts", label, name))
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
