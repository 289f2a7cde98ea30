package flume

import (
	"strings"

	"golang.org/x/text/cases"
)

// Token names arrive from many callers under many spellings. Normalization
// folds them into one canonical vocabulary so every later stage (injection,
// $tokens expressions, credential fill) works against a single set of names.

// tokenAliases is the default normalization table. It is a function: no alias
// maps to two different canonical names.
var tokenAliases = map[string]string{
	"google_oauth_token":   "googleAccessToken",
	"google_access_token":  "googleAccessToken",
	"google_token":         "googleAccessToken",
	"gmail_token":          "googleAccessToken",
	"openai_api_key":       "openAiApiKey",
	"openai_key":           "openAiApiKey",
	"open_ai_api_key":      "openAiApiKey",
	"openrouter_api_key":   "openRouterApiKey",
	"open_router_api_key":  "openRouterApiKey",
	"anthropic_api_key":    "anthropicApiKey",
	"anthropic_key":        "anthropicApiKey",
	"huggingface_api_key":  "huggingFaceApiKey",
	"hugging_face_api_key": "huggingFaceApiKey",
	"tiktok_access_token":  "tiktokAccessToken",
	"tiktok_token":         "tiktokAccessToken",
	"slack_api_key":        "slackApiKey",
	"slack_token":          "slackApiKey",
	"smtp_password":        "smtpPassword",
}

// NormalizeTokens rewrites raw token keys to canonical names. Caller-supplied
// overrides take precedence over the default table; keys known to neither are
// passed through unchanged.
func NormalizeTokens(raw map[string]string, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		name := k
		if canonical, ok := overrides[k]; ok {
			name = canonical
		} else if canonical, ok := tokenAliases[k]; ok {
			name = canonical
		}
		out[name] = v
	}
	return out
}

// credentialFill lists, per recognized credential-parameter key, the canonical
// tokens tried in order when the parameter is empty. Keys are compared after
// case folding with underscores removed, so apiKey, api_key and APIKey all
// select the same list.
var credentialFill = map[string][]string{
	"apikey":         {"openAiApiKey", "openRouterApiKey", "anthropicApiKey", "huggingFaceApiKey"},
	"accesstoken":    {"googleAccessToken", "tiktokAccessToken", "slackApiKey"},
	"token":          {"googleAccessToken", "openAiApiKey"},
	"googletoken":    {"googleAccessToken"},
	"slacktoken":     {"slackApiKey"},
	"smtppassword":   {"smtpPassword"},
	"openaiapikey":   {"openAiApiKey"},
	"anthropickey":   {"anthropicApiKey"},
	"openrouterkey":  {"openRouterApiKey"},
	"huggingfacekey": {"huggingFaceApiKey"},
}

var keyFolder = cases.Fold()

func foldParamKey(k string) string {
	return keyFolder.String(strings.ReplaceAll(k, "_", ""))
}

// InjectTokens walks the prepared workflow in place and makes the token bag
// visible to every non-trigger node:
//
//  1. string values containing {{ … $tokens.X … }} are evaluated now,
//  2. bare "$tokens.X" strings are replaced with the token value,
//  3. recognized credential-parameter keys that are empty or missing are
//     filled from the first available token in their candidate list,
//  4. the fill rule also applies under authentication.* and credentials.*
//     sub-objects.
//
// Trigger nodes are skipped entirely. Their parameters describe schedules and
// filters, and a stray "token" key there must not be overwritten.
func InjectTokens(wf *Workflow, tokens map[string]string) {
	exec := &Execution{Tokens: tokens}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if IsTriggerType(n.Type) {
			continue
		}
		injectTree(n.Parameters, tokens, exec, true)
	}
}

// injectTree rewrites one parameter object in place. fill controls whether
// empty credential keys at this level are candidates for filling; it stays
// true through authentication/credentials sub-objects and plain nesting.
func injectTree(params map[string]any, tokens map[string]string, exec *Execution, fill bool) {
	for k, v := range params {
		switch t := v.(type) {
		case string:
			params[k] = injectString(t, tokens, exec)
		case map[string]any:
			injectTree(t, tokens, exec, fill)
		case []any:
			for i, child := range t {
				if s, ok := child.(string); ok {
					t[i] = injectString(s, tokens, exec)
				} else if obj, ok := child.(map[string]any); ok {
					injectTree(obj, tokens, exec, fill)
				}
			}
		}
	}

	if !fill {
		return
	}
	for k, v := range params {
		s, isStr := v.(string)
		if isStr && s != "" {
			continue
		}
		if !isStr && v != nil {
			continue
		}
		candidates, ok := credentialFill[foldParamKey(k)]
		if !ok {
			continue
		}
		for _, name := range candidates {
			if val, has := tokens[name]; has && val != "" {
				params[k] = val
				break
			}
		}
	}
}

func injectString(s string, tokens map[string]string, exec *Execution) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "$tokens.") && !strings.Contains(trimmed, " ") {
		if v, ok := tokens[trimmed[len("$tokens."):]]; ok {
			return v
		}
		return s
	}
	if HasExpression(s) && strings.Contains(s, "$tokens") {
		return Evaluate(s, exec, nil)
	}
	return s
}
