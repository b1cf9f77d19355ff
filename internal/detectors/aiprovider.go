package detectors

import (
	"sort"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/skylight-sec/skylight/internal/models"
)

// aiProvider describes one known AI vendor and the signals that identify
// traffic to it.
type aiProvider struct {
	name         string
	hostPatterns []string // wildcard matched against hosts in metadata
	keywords     []string // display text / scope / user-agent markers
	modelNames   []string
}

// The eight providers the platform recognizes.
var aiProviders = []aiProvider{
	{
		name:         "OpenAI",
		hostPatterns: []string{"*.openai.com", "api.openai.com", "*.oaiusercontent.com"},
		keywords:     []string{"openai", "chatgpt"},
		modelNames:   []string{"gpt-4", "gpt-4o", "gpt-3.5", "o1", "o3", "dall-e", "whisper"},
	},
	{
		name:         "Anthropic",
		hostPatterns: []string{"*.anthropic.com", "api.anthropic.com"},
		keywords:     []string{"anthropic", "claude"},
		modelNames:   []string{"claude-3", "claude-3-5", "claude-sonnet", "claude-opus", "claude-haiku"},
	},
	{
		name:         "Google AI",
		hostPatterns: []string{"generativelanguage.googleapis.com", "*.ai.google.dev", "aiplatform.googleapis.com"},
		keywords:     []string{"gemini", "vertex ai", "google ai"},
		modelNames:   []string{"gemini-pro", "gemini-1.5", "gemini-2", "palm-2"},
	},
	{
		name:         "Cohere",
		hostPatterns: []string{"*.cohere.com", "api.cohere.ai"},
		keywords:     []string{"cohere"},
		modelNames:   []string{"command-r", "command-r-plus", "embed-english"},
	},
	{
		name:         "Mistral",
		hostPatterns: []string{"*.mistral.ai", "api.mistral.ai"},
		keywords:     []string{"mistral"},
		modelNames:   []string{"mistral-large", "mistral-small", "mixtral", "codestral"},
	},
	{
		name:         "Meta AI",
		hostPatterns: []string{"*.llama-api.com", "*.meta.ai"},
		keywords:     []string{"meta ai", "llama"},
		modelNames:   []string{"llama-2", "llama-3", "llama-3.1", "code-llama"},
	},
	{
		name:         "Perplexity",
		hostPatterns: []string{"*.perplexity.ai", "api.perplexity.ai"},
		keywords:     []string{"perplexity"},
		modelNames:   []string{"sonar", "sonar-pro", "pplx-"},
	},
	{
		name:         "Hugging Face",
		hostPatterns: []string{"*.huggingface.co", "api-inference.huggingface.co", "*.hf.space"},
		keywords:     []string{"hugging face", "huggingface"},
		modelNames:   []string{"starcoder", "bloom", "falcon-"},
	},
}

// Per-method weights: a host match is near-certain, a keyword in display
// text is weak on its own.
const (
	weightHost     = 40.0
	weightModel    = 30.0
	weightScope    = 20.0
	weightKeyword  = 15.0
	minAIEvidence  = 30.0
	maxAIConfStack = 100.0
)

// aiProviderDetector matches automations against known AI providers across
// several methods, accumulating evidence per provider.
type aiProviderDetector struct{}

func (d *aiProviderDetector) Type() models.PatternType { return models.PatternAIProvider }

func (d *aiProviderDetector) Detect(w Window, p Params) []models.DetectionPattern {
	name := strings.ToLower(w.Automation.Name)
	metadata := strings.ToLower(string(w.Automation.PlatformMetadata))
	hosts := extractHosts(metadata)

	scopes := make([]string, len(w.Automation.Permissions))
	for i, s := range w.Automation.Permissions {
		scopes[i] = strings.ToLower(s)
	}

	var out []models.DetectionPattern
	for _, provider := range aiProviders {
		score := 0.0
		methods := map[string][]string{}

		for _, host := range hosts {
			for _, pat := range provider.hostPatterns {
				if wildcard.Match(pat, host) {
					score += weightHost
					methods["host"] = append(methods["host"], host)
					break
				}
			}
		}
		for _, model := range provider.modelNames {
			if strings.Contains(metadata, model) || strings.Contains(name, model) {
				score += weightModel
				methods["model"] = append(methods["model"], model)
			}
		}
		for _, kw := range provider.keywords {
			for _, scope := range scopes {
				if strings.Contains(scope, kw) {
					score += weightScope
					methods["scope"] = append(methods["scope"], scope)
				}
			}
			if strings.Contains(name, kw) {
				score += weightKeyword
				methods["displayText"] = append(methods["displayText"], kw)
			}
			if strings.Contains(metadata, kw) {
				score += weightKeyword
				methods["metadata"] = append(methods["metadata"], kw)
			}
		}

		if score < minAIEvidence*p.multiplier() {
			continue
		}

		confidence := clamp(score, minAIEvidence, maxAIConfStack)
		severity := models.SeverityMedium
		if len(methods) >= 3 || confidence >= 80 {
			severity = models.SeverityHigh
		}
		out = append(out, pattern(w, d.Type(), severity, confidence, map[string]any{
			"provider":    provider.name,
			"methods":     methods,
			"methodCount": len(methods),
			"score":       score,
		}))
	}
	return out
}

// extractHosts pulls hostname-shaped tokens out of raw metadata text.
func extractHosts(text string) []string {
	isDelim := func(r rune) bool {
		switch r {
		case '"', '\'', ' ', ',', '{', '}', '[', ']', '\n', '\t', '\\':
			return true
		}
		return false
	}

	seen := map[string]struct{}{}
	var hosts []string
	for _, token := range strings.FieldsFunc(text, isDelim) {
		token = strings.TrimPrefix(token, "https:")
		token = strings.TrimPrefix(token, "http:")
		token = strings.TrimPrefix(token, "//")
		if i := strings.IndexByte(token, '/'); i > 0 {
			token = token[:i]
		}
		if !hostLike(token) {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		hosts = append(hosts, token)
	}
	sort.Strings(hosts)
	return hosts
}

func hostLike(token string) bool {
	if !strings.Contains(token, ".") || strings.ContainsAny(token, "@=:") {
		return false
	}
	for _, r := range token {
		if r >= 'a' && r <= 'z' {
			return true
		}
	}
	return false
}
