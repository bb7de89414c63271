package orchestrator

import (
	"encoding/json"
	"regexp"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/script"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/tools"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/tools/calendar"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

const (
	DefaultFailureReply = "Sorry, I'm having trouble booking that right now. A member of our team will call you back shortly to find a time that works."
	DefaultSuccessReply = "You're booked in! Your booking reference is {reference}."
	plainSuccessReply   = "You're booked in!"
)

// bookingClaimRe matches text asserting that an appointment was made.
var bookingClaimRe = regexp.MustCompile(`(?i)\b(you'?re|you are|you have been|you've been)\s+(all\s+)?(booked|scheduled|confirmed|set for)\b` +
	`|\b(i'?ve|i have|we'?ve|we have)\s+(booked|scheduled|reserved|confirmed)\b` +
	`|\b(booking|appointment|session|slot)\s+(is\s+)?(booked|confirmed|scheduled)\b` +
	`|\bbooking reference\b`)

// ClaimsBooking reports whether text asserts a booking happened.
func ClaimsBooking(text string) bool {
	return bookingClaimRe.MatchString(text)
}

// applyHonesty finalizes the assistant text of a generated turn. Any failed
// or timed out call replaces the text with the failure reply. A booking
// claim is treated the same way unless a booking succeeded in this turn or
// an earlier one (prior holds the conversation's stored tool calls). A
// successful call renders the success reply when the model gave no text or
// the agent configures one.
func applyHonesty(agent *types.Agent, text string, results []tools.Result, prior []*types.ToolCall, facts script.Facts) (string, types.Source) {
	var succeeded *tools.Result
	for i := range results {
		if !results[i].Succeeded() {
			return failureReply(agent), types.SourceFallback
		}
		succeeded = &results[i]
	}

	if succeeded == nil {
		if ClaimsBooking(text) && !hasBooking(prior) {
			return failureReply(agent), types.SourceFallback
		}
		return text, types.SourceGeneration
	}

	if text != "" && agent.ToolSuccessReply == "" {
		return text, types.SourceGeneration
	}
	tmpl := agent.ToolSuccessReply
	if tmpl == "" {
		tmpl = DefaultSuccessReply
	}
	if rendered, _, ok := script.Render(tmpl, withOutput(facts, succeeded.Output)); ok {
		return rendered, types.SourceGeneration
	}
	if text != "" {
		return text, types.SourceGeneration
	}
	return plainSuccessReply, types.SourceGeneration
}

func hasBooking(calls []*types.ToolCall) bool {
	for _, c := range calls {
		if c.ToolName == calendar.ToolName && c.Outcome == types.ToolSucceeded {
			return true
		}
	}
	return false
}

func failureReply(agent *types.Agent) string {
	if agent.ToolFailureReply != "" {
		return agent.ToolFailureReply
	}
	return DefaultFailureReply
}

// withOutput overlays the top-level string fields of a tool's output on
// facts so success templates can reference them.
func withOutput(facts script.Facts, output json.RawMessage) script.Facts {
	merged := script.Facts{}
	for k, v := range facts {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(output, &fields); err != nil {
		return merged
	}
	for k, v := range fields {
		if s, ok := v.(string); ok && s != "" {
			merged[k] = s
		}
	}
	return merged
}
