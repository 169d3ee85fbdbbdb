// Package classify routes caller utterances: small talk and simple
// questions stay with the realtime model, data questions go to the
// reasoning backend. Matching is keyword and regex based so the decision
// adds no measurable latency to the voice path.
package classify

import (
	"regexp"
	"strings"
)

// QueryType is the routing decision for one utterance.
type QueryType string

const (
	// TypeSimple stays on the realtime model.
	TypeSimple QueryType = "simple"
	// TypeDataLookup is routed to the reasoning backend.
	TypeDataLookup QueryType = "data_lookup"
	// TypeConversational is chitchat handled by the realtime model.
	TypeConversational QueryType = "conversational"
)

// Result carries the decision plus the evidence that produced it.
type Result struct {
	Type            QueryType
	Confidence      float64
	MatchedKeywords []string
	Reason          string
}

// Config tunes the keyword classifier.
type Config struct {
	DataKeywords         []string
	ConversationKeywords []string
	DataPatterns         []string
	ConfidenceThreshold  float64
}

// DefaultConfig returns the customer-service keyword set.
func DefaultConfig() Config {
	return Config{
		DataKeywords: []string{
			"customer", "machine", "machines", "address", "addresses",
			"serial", "serial number", "model", "equipment",
			"location", "site", "installation",
			"lookup", "look up", "find", "search", "get", "fetch",
			"show", "display", "list", "retrieve",
			"how many", "what is", "what are", "tell me about",
			"information about", "details about", "data for",
			"status of", "history of",
			"record", "records", "data", "database", "order", "orders",
			"product", "products", "inventory", "stock",
		},
		ConversationKeywords: []string{
			"hello", "hi", "hey", "good morning", "good afternoon",
			"good evening", "how are you", "what's up", "thanks",
			"thank you", "bye", "goodbye", "see you", "ok", "okay",
			"yes", "no", "sure", "alright", "got it", "understand",
			"help", "what can you do", "who are you",
		},
		DataPatterns: []string{
			`^(what|which|where|when|how many|how much)\s+.*(customer|machine|address|order|product)`,
			`(customer|machine|address|order)\s*(id|number|#)?\s*\d+`,
			`(find|search|lookup|get|show)\s+(me\s+)?(the\s+)?(customer|machine|address|data)`,
			`(information|details|data|status)\s+(about|for|on)\s+`,
		},
		ConfidenceThreshold: 0.3,
	}
}

// Classifier decides whether an utterance needs the reasoning backend.
type Classifier struct {
	cfg          Config
	dataKeywords []keyword
	convKeywords []keyword
	dataPatterns []*regexp.Regexp
}

// keyword matches on word boundaries so short entries ("yes", "hi", "no")
// cannot fire inside longer words like "yesterday".
type keyword struct {
	text string
	re   *regexp.Regexp
}

func compileKeyword(kw string) keyword {
	return keyword{text: kw, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)}
}

// New compiles the configured patterns. Zero-value fields fall back to
// DefaultConfig.
func New(cfg Config) (*Classifier, error) {
	def := DefaultConfig()
	if len(cfg.DataKeywords) == 0 {
		cfg.DataKeywords = def.DataKeywords
	}
	if len(cfg.ConversationKeywords) == 0 {
		cfg.ConversationKeywords = def.ConversationKeywords
	}
	if len(cfg.DataPatterns) == 0 {
		cfg.DataPatterns = def.DataPatterns
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}

	c := &Classifier{cfg: cfg}
	for _, kw := range cfg.DataKeywords {
		c.dataKeywords = append(c.dataKeywords, compileKeyword(strings.ToLower(kw)))
	}
	for _, kw := range cfg.ConversationKeywords {
		c.convKeywords = append(c.convKeywords, compileKeyword(strings.ToLower(kw)))
	}
	for _, pattern := range cfg.DataPatterns {
		compiled, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, err
		}
		c.dataPatterns = append(c.dataPatterns, compiled)
	}
	return c, nil
}

// Classify scores one utterance. Conversational keywords win only when
// the data score is low, so "thanks, what is the status of order 12"
// still routes to the backend.
func (c *Classifier) Classify(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Type: TypeSimple, Confidence: 1.0, Reason: "empty query"}
	}
	lower := strings.ToLower(trimmed)

	for _, kw := range c.convKeywords {
		if kw.re.MatchString(lower) {
			if c.scoreData(lower) < 0.2 {
				return Result{
					Type:            TypeConversational,
					Confidence:      0.8,
					MatchedKeywords: []string{kw.text},
					Reason:          "matched conversational keyword",
				}
			}
			break
		}
	}

	for _, pattern := range c.dataPatterns {
		if pattern.MatchString(lower) {
			return Result{
				Type:       TypeDataLookup,
				Confidence: 0.9,
				Reason:     "matched data pattern " + pattern.String(),
			}
		}
	}

	score := c.scoreData(lower)
	if score >= c.cfg.ConfidenceThreshold {
		return Result{
			Type:            TypeDataLookup,
			Confidence:      min(score, 1.0),
			MatchedKeywords: c.matchedData(lower),
			Reason:          "keyword score",
		}
	}
	return Result{
		Type:       TypeSimple,
		Confidence: 1.0 - score,
		Reason:     "no data lookup indicators",
	}
}

func (c *Classifier) scoreData(lower string) float64 {
	var matches float64
	for _, kw := range c.dataKeywords {
		if kw.re.MatchString(lower) {
			matches++
			// Multi-word keywords are stronger signal.
			if strings.Contains(kw.text, " ") {
				matches += 0.5
			}
		}
	}
	switch {
	case matches == 0:
		return 0.0
	case matches <= 1:
		return 0.4
	case matches <= 2:
		return 0.6
	default:
		return min(0.4+matches*0.2, 1.0)
	}
}

func (c *Classifier) matchedData(lower string) []string {
	var out []string
	for _, kw := range c.dataKeywords {
		if kw.re.MatchString(lower) {
			out = append(out, kw.text)
		}
	}
	return out
}
