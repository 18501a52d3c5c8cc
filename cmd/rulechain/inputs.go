package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/storage/memory"
)

// runInputs are the flags shared by the commands that build an
// ExecutionRequest.
type runInputs struct {
	chainID    int64
	chainFile  string
	text       string
	textFile   string
	novelID    int64
	params     []string
	jsonParams []string
}

// request assembles the ExecutionRequest described by the flags. stdin is
// read when --text-file is "-".
func (in *runInputs) request(stdin io.Reader) (api.ExecutionRequest, error) {
	req := api.ExecutionRequest{NovelID: in.novelID}

	text, err := in.sourceText(stdin)
	if err != nil {
		return req, err
	}
	req.SourceText = text

	switch {
	case in.chainID != 0 && in.chainFile != "":
		return req, fmt.Errorf("--chain-id and --chain-file are mutually exclusive")
	case in.chainID != 0:
		req.RuleChainID = api.Int64(in.chainID)
	case in.chainFile != "":
		c, err := loadChainFile(in.chainFile)
		if err != nil {
			return req, err
		}
		req.RuleChainDefinition = c
	default:
		return req, fmt.Errorf("one of --chain-id or --chain-file is required")
	}

	req.UserProvidedParams, err = parseParams(in.params, in.jsonParams)
	return req, err
}

func (in *runInputs) sourceText(stdin io.Reader) (string, error) {
	switch {
	case in.text != "" && in.textFile != "":
		return "", fmt.Errorf("--text and --text-file are mutually exclusive")
	case in.text != "":
		return in.text, nil
	case in.textFile == "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	case in.textFile != "":
		data, err := os.ReadFile(in.textFile)
		return string(data), err
	}
	return "", fmt.Errorf("one of --text or --text-file is required")
}

// loadChainFile reads a chain definition from a YAML or JSON file.
func loadChainFile(path string) (*api.RuleChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c api.RuleChain
	if err := memory.DecodeYAML(data, &c); err != nil {
		return nil, fmt.Errorf("decoding chain %s: %w", path, err)
	}
	return &c, nil
}

// parseParams builds user_provided_params from KEY=VALUE pairs, whose
// values stay strings, and KEY=JSON pairs, whose values are decoded. Keys
// may be dotted to reach nested object fields.
func parseParams(plain, typed []string) (map[string]any, error) {
	if len(plain)+len(typed) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(plain)+len(typed))
	for _, kv := range plain {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected KEY=VALUE", kv)
		}
		out[k] = v
	}
	for _, kv := range typed {
		k, raw, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected KEY=JSON", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
