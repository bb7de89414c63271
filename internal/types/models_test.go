package types

import (
	"encoding/json"
	"testing"
)

func TestAgentCloneIsDeep(t *testing.T) {
	agent := &Agent{
		ID:    "agent-1",
		Tools: []string{"book_appointment"},
		Scripts: []ScriptRule{
			{Sequence: 1, Text: "Hi {first_name}", When: &Condition{Known: []string{"first_name"}}},
		},
	}

	snap := agent.Clone()
	agent.Tools[0] = "changed"
	agent.Scripts[0].Text = "changed"
	agent.Scripts[0].When.Known[0] = "changed"

	if snap.Tools[0] != "book_appointment" {
		t.Errorf("snapshot tools aliased live agent: %v", snap.Tools)
	}
	if snap.Scripts[0].Text != "Hi {first_name}" {
		t.Errorf("snapshot scripts aliased live agent: %q", snap.Scripts[0].Text)
	}
	if snap.Scripts[0].When.Known[0] != "first_name" {
		t.Errorf("snapshot condition aliased live agent: %v", snap.Scripts[0].When.Known)
	}
}

func TestAgentSnapshotSerialization(t *testing.T) {
	agent := &Agent{
		ID:             "agent-1",
		OrganizationID: "org-1",
		Model:          ModelParams{Provider: "openai", Name: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 300},
		Scripts:        []ScriptRule{{Sequence: 1, Text: "Hello"}},
		Tools:          []string{"book_appointment"},
	}

	data, err := json.Marshal(agent)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Agent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Model.Name != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %s", decoded.Model.Name)
	}
	if !decoded.HasTool("book_appointment") {
		t.Error("expected book_appointment to survive the round trip")
	}
}
