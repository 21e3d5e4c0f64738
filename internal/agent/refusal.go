package agent

import "strings"

// RefusalClassifier decides whether LLM output is a refusal rather
// than a usable answer. Kept as an interface so the heuristic can be
// swapped without touching the resolver or optimizer.
type RefusalClassifier interface {
	// IsRefusalResponse checks a resolver response with the narrow
	// English indicator set. A hit means the resolver refused and the
	// keyword classifier should decide the intent instead.
	IsRefusalResponse(text string) bool
	// IsRefusalIntent checks a general-chat reply with the broad
	// indicator set, including Chinese wording the resolver check
	// does not cover.
	IsRefusalIntent(text string) bool
	// IsRefusalPrompt checks an optimizer response with phrase-level
	// matching, to avoid flagging prompts that merely contain a word
	// like "sorry" in scene text.
	IsRefusalPrompt(text string) bool
}

// PhraseRefusalClassifier matches known refusal wording in English
// and Chinese.
type PhraseRefusalClassifier struct{}

var resolverRefusalIndicators = []string{
	"cannot", "can't", "unable", "sorry", "apologize", "policy", "inappropriate",
}

var intentRefusalIndicators = []string{
	"cannot", "can't", "unable", "sorry", "apologize", "policy", "inappropriate",
	"抱歉", "無法", "不能", "對不起", "很遺憾", "不允許", "違反", "政策",
}

var promptRefusalPhrases = []string{
	"i cannot", "i can't", "i'm unable", "cannot assist", "can't help",
	"won't help", "unable to help", "not able to", "i apologize",
	"i'm sorry", "this request", "against my", "cannot create",
	"can't create", "not allowed to", "i must decline", "i will not",
}

var promptRefusalPrefixes = []string{
	"i can't", "i cannot", "i'm sorry", "sorry,",
}

func (PhraseRefusalClassifier) IsRefusalResponse(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range resolverRefusalIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func (PhraseRefusalClassifier) IsRefusalIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range intentRefusalIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func (PhraseRefusalClassifier) IsRefusalPrompt(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range promptRefusalPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	for _, phrase := range promptRefusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
