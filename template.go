package flume

import (
	"regexp"
	"sort"
	"strings"
)

// Parameter placeholders are all-caps {{NAME}} markers substituted once,
// before execution, from a per-tenant parameter map. They are deliberately
// disjoint from the runtime expression language: NAME matches [A-Z0-9_]+
// only, so {{ $json.field }} and other lowercase forms pass through the
// preparer untouched.

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Z0-9_]+)\s*\}\}`)

// credentialTokens maps a credential-type key as it appears in a node's
// credentials block to the canonical token name used by the rest of the
// pipeline. Developer keys resolved through this table land in the token bag
// under the canonical name.
var credentialTokens = map[string]string{
	"openAiApi":             "openAiApiKey",
	"openRouterApi":         "openRouterApiKey",
	"anthropicApi":          "anthropicApiKey",
	"huggingFaceApi":        "huggingFaceApiKey",
	"googleDriveOAuth2Api":  "googleAccessToken",
	"googleSheetsOAuth2Api": "googleAccessToken",
	"googleDocsOAuth2Api":   "googleAccessToken",
	"gmailOAuth2":           "googleAccessToken",
	"youTubeOAuth2Api":      "googleAccessToken",
	"tiktokOAuth2Api":       "tiktokAccessToken",
	"slackApi":              "slackApiKey",
	"httpHeaderAuth":        "httpHeaderAuthKey",
	"smtp":                  "smtpPassword",
}

// Prepare deep-copies wf and applies the two pre-execution transforms:
// all-caps placeholder substitution from params, and credential placeholder
// resolution from developerKeys. It returns the prepared copy and the map of
// canonical token names resolved from developer keys. The input workflow is
// never modified.
func Prepare(wf *Workflow, params map[string]any, developerKeys map[string]string) (*Workflow, map[string]string, error) {
	prepared, err := wf.Clone()
	if err != nil {
		return nil, nil, err
	}

	resolved := make(map[string]string)
	for i := range prepared.Nodes {
		n := &prepared.Nodes[i]
		n.Parameters = substituteTree(n.Parameters, params).(map[string]any)
		resolveCredentials(n, developerKeys, resolved)
	}
	return prepared, resolved, nil
}

// RequiredParams returns the placeholder names referenced anywhere in the
// workflow's string values, sorted.
func RequiredParams(wf *Workflow) []string {
	seen := make(map[string]bool)
	var names []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range placeholderRe.FindAllStringSubmatch(t, -1) {
				if !seen[m[1]] {
					seen[m[1]] = true
					names = append(names, m[1])
				}
			}
		case map[string]any:
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	for _, n := range wf.Nodes {
		walk(n.Parameters)
	}
	sort.Strings(names)
	return names
}

// substituteTree replaces placeholders in every string leaf. A string that is
// exactly one placeholder whose value is not a string substitutes the typed
// value. Names absent from params are left in place.
func substituteTree(v any, params map[string]any) any {
	switch t := v.(type) {
	case string:
		return substituteString(t, params)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = substituteTree(child, params)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = substituteTree(child, params)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, params map[string]any) any {
	if m := placeholderRe.FindStringSubmatch(strings.TrimSpace(s)); m != nil && m[0] == strings.TrimSpace(s) {
		if val, ok := params[m[1]]; ok {
			if _, isStr := val.(string); !isStr {
				return val
			}
		}
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(span string) string {
		name := placeholderRe.FindStringSubmatch(span)[1]
		val, ok := params[name]
		if !ok {
			return span
		}
		if str, isStr := val.(string); isStr {
			return str
		}
		return Stringify(val)
	})
}

// resolveCredentials translates {{CRED_NAME}} credential ids into canonical
// token entries. The credential-type key selects the canonical name through
// credentialTokens; unknown types keep their own key so nothing is dropped.
func resolveCredentials(n *Node, developerKeys map[string]string, resolved map[string]string) {
	for credType, cred := range n.Credentials {
		m := placeholderRe.FindStringSubmatch(strings.TrimSpace(cred.ID))
		if m == nil || m[0] != strings.TrimSpace(cred.ID) {
			continue
		}
		value, ok := developerKeys[m[1]]
		if !ok {
			continue
		}
		canonical, ok := credentialTokens[credType]
		if !ok {
			canonical = credType
		}
		resolved[canonical] = value
		cred.Resolved = true
		n.Credentials[credType] = cred
	}
}
