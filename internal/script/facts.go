package script

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// Fact names that placeholders and conditions may reference.
const (
	FactFirstName = "first_name"
	FactLastName  = "last_name"
	FactFullName  = "full_name"
	FactEmail     = "email"
	FactPhone     = "phone"
	FactGoal      = "goal"
)

// KnownFacts lists every fact name ExtractFacts can produce.
var KnownFacts = []string{FactFirstName, FactLastName, FactFullName, FactEmail, FactPhone, FactGoal}

// Facts are the known attributes of the external party, keyed by fact name.
type Facts map[string]string

// Known reports whether name has a non-empty value.
func (f Facts) Known(name string) bool {
	return strings.TrimSpace(f[name]) != ""
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-().]{8,}\d`)
	nameRe  = regexp.MustCompile(`(?i)\b(?:my name is|my name's|name's|call me)\s+([A-Za-z][A-Za-z'\-]{1,30})`)
)

// Words that follow "call me" without being a name.
var notNames = map[string]bool{
	"back": true, "later": true, "tomorrow": true, "today": true, "tonight": true,
	"now": true, "on": true, "at": true, "when": true, "please": true, "asap": true,
}

var goalKeywords = []struct {
	phrase string
	goal   string
}{
	{"fat loss", "fat loss"},
	{"weight loss", "fat loss"},
	{"lose weight", "fat loss"},
	{"losing weight", "fat loss"},
	{"get fit", "fitness"},
	{"fitness", "fitness"},
	{"build muscle", "strength"},
	{"strength", "strength"},
	{"muscle", "strength"},
}

// ExtractFacts projects the party record and the user messages of history
// into facts. Party fields are taken first; after that, the first user
// message that yields a fact wins and later messages never overwrite it.
func ExtractFacts(party types.PartyRef, history []*types.Message) Facts {
	facts := Facts{}
	set := func(name, value string) {
		value = strings.TrimSpace(value)
		if value != "" && !facts.Known(name) {
			facts[name] = value
		}
	}

	set(FactFirstName, party.FirstName)
	set(FactLastName, party.LastName)
	set(FactEmail, party.Email)
	set(FactPhone, party.Phone)

	for _, msg := range history {
		if msg.Role != types.RoleUser {
			continue
		}
		text := msg.Content
		set(FactEmail, emailRe.FindString(text))
		set(FactPhone, findPhone(text))
		set(FactFirstName, findName(text))
		set(FactGoal, findGoal(text))
	}

	if facts.Known(FactFirstName) && facts.Known(FactLastName) {
		set(FactFullName, facts[FactFirstName]+" "+facts[FactLastName])
	} else {
		set(FactFullName, facts[FactFirstName])
	}
	return facts
}

func findPhone(text string) string {
	for _, candidate := range phoneRe.FindAllString(text, -1) {
		digits := 0
		for _, r := range candidate {
			if unicode.IsDigit(r) {
				digits++
			}
		}
		if digits >= 10 && digits <= 15 {
			return strings.TrimSpace(candidate)
		}
	}
	return ""
}

func findName(text string) string {
	for _, m := range nameRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if notNames[strings.ToLower(name)] {
			continue
		}
		r := []rune(name)
		r[0] = unicode.ToUpper(r[0])
		return string(r)
	}
	return ""
}

func findGoal(text string) string {
	lower := strings.ToLower(text)
	best, bestAt := "", -1
	for _, kw := range goalKeywords {
		if i := strings.Index(lower, kw.phrase); i >= 0 && (bestAt < 0 || i < bestAt) {
			best, bestAt = kw.goal, i
		}
	}
	return best
}
