package flume

import "testing"

func TestNormalizeTokens(t *testing.T) {
	raw := map[string]string{
		"google_oauth_token": "g-1",
		"openai_api_key":     "sk-1",
		"customThing":        "c-1",
	}
	got := NormalizeTokens(raw, nil)
	if got["googleAccessToken"] != "g-1" {
		t.Errorf("googleAccessToken = %q", got["googleAccessToken"])
	}
	if got["openAiApiKey"] != "sk-1" {
		t.Errorf("openAiApiKey = %q", got["openAiApiKey"])
	}
	// Unknown keys pass through unchanged.
	if got["customThing"] != "c-1" {
		t.Errorf("customThing = %q, want passed through", got["customThing"])
	}
}

func TestNormalizeTokensOverridesWin(t *testing.T) {
	raw := map[string]string{"google_token": "g-1"}
	overrides := map[string]string{"google_token": "legacyGoogleToken"}
	got := NormalizeTokens(raw, overrides)
	if got["legacyGoogleToken"] != "g-1" {
		t.Errorf("override ignored: %v", got)
	}
	if _, has := got["googleAccessToken"]; has {
		t.Error("default mapping applied despite override")
	}
}

func injectWorkflow() *Workflow {
	return &Workflow{
		Name: "inject",
		Nodes: []Node{
			{
				ID:   "n1",
				Name: "Drive Trigger",
				Type: "driveTrigger",
				Parameters: map[string]any{
					"token": "", // trigger parameters are never filled
				},
			},
			{
				ID:   "n2",
				Name: "Model",
				Type: "llm",
				Parameters: map[string]any{
					"apiKey": "",
					"note":   "key is {{ $tokens.openAiApiKey }}",
					"bare":   "$tokens.googleAccessToken",
					"authentication": map[string]any{
						"accessToken": "",
					},
				},
			},
		},
	}
}

func TestInjectTokens(t *testing.T) {
	wf := injectWorkflow()
	tokens := map[string]string{
		"openAiApiKey":      "sk-1",
		"googleAccessToken": "g-1",
	}
	InjectTokens(wf, tokens)

	model := wf.NodeByKey("Model").Parameters
	if model["apiKey"] != "sk-1" {
		t.Errorf("apiKey = %v, want filled from openAiApiKey", model["apiKey"])
	}
	if model["note"] != "key is sk-1" {
		t.Errorf("note = %v", model["note"])
	}
	if model["bare"] != "g-1" {
		t.Errorf("bare = %v, want token value", model["bare"])
	}
	auth := model["authentication"].(map[string]any)
	if auth["accessToken"] != "g-1" {
		t.Errorf("authentication.accessToken = %v, want g-1", auth["accessToken"])
	}

	trigger := wf.NodeByKey("Drive Trigger").Parameters
	if trigger["token"] != "" {
		t.Errorf("trigger token = %v, want untouched", trigger["token"])
	}
}

func TestInjectTokensKeyVariants(t *testing.T) {
	wf := &Workflow{
		Name: "variants",
		Nodes: []Node{{
			ID:   "n1",
			Name: "N",
			Type: "llm",
			Parameters: map[string]any{
				"api_key": "",
				"keep":    "already-set",
			},
		}},
	}
	InjectTokens(wf, map[string]string{"openRouterApiKey": "or-1"})
	params := wf.NodeByKey("N").Parameters
	if params["api_key"] != "or-1" {
		t.Errorf("api_key = %v, want filled (folded key match)", params["api_key"])
	}
	if params["keep"] != "already-set" {
		t.Errorf("keep = %v, want untouched", params["keep"])
	}
}
