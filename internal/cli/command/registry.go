package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/shlex"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "run",
			Action:       "exec",
			Method:       "POST",
			PathTemplate: "/v1/run",
			Fields: []Field{
				{Name: "args", Prompt: "command line", Type: FieldArgv, Required: true},
				{Name: "tmp", Prompt: "temporary directory", Type: FieldString, Required: true},
				{Name: "workdir", Prompt: "working directory", Type: FieldString},
				{Name: "input", Prompt: "input root directory", Type: FieldString},
				{Name: "stdout", Prompt: "stdout path", Type: FieldString},
				{Name: "stderr", Prompt: "stderr path", Type: FieldString},
				{Name: "logs", Prompt: "server logs directory", Type: FieldString},
				{Name: "timeout", Prompt: "timeout seconds", Type: FieldInt64},
				{Name: "env", Prompt: "environment (K=V,...)", Type: FieldEnvMap},
			},
		},
		{
			Service:      "run",
			Action:       "readiness",
			Method:       "GET",
			PathTemplate: "/v1/readiness",
			Fields: []Field{
				{Name: "path", Prompt: "path to check", Type: FieldString},
			},
		},
		{
			Service:      "run",
			Action:       "health",
			Method:       "GET",
			PathTemplate: "/healthz",
		},
		{
			Service:      "records",
			Action:       "get",
			Method:       "GET",
			PathTemplate: "/v1/records/:id",
			Fields: []Field{
				{Name: "id", Prompt: "task id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "records",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/v1/records",
			Fields: []Field{
				{Name: "limit", Prompt: "limit", Type: FieldInt64},
			},
		},
	}

	out := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		out[fmt.Sprintf("%s %s", cmd.Service, cmd.Action)] = cmd
	}
	return out
}

// BuildRequest turns a command and its params into an HTTP request spec.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	path = appendQuery(cmd, path, params)

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method: cmd.Method,
		Path:   path,
		Body:   body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	for _, key := range []string{"id"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
		}
	}
	return path, nil
}

func appendQuery(cmd Command, path string, params Params) string {
	query := url.Values{}
	if cmd.Service == "run" && cmd.Action == "readiness" && params.Get("path") != "" {
		query.Set("path", params.Get("path"))
	}
	if cmd.Service == "records" && cmd.Action == "list" && params.Get("limit") != "" {
		query.Set("limit", params.Get("limit"))
	}
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	if cmd.Service != "run" || cmd.Action != "exec" {
		return nil, nil
	}

	arguments, err := shlex.Split(params.Get("args"))
	if err != nil {
		return nil, fmt.Errorf("parse args failed: %w", err)
	}
	if len(arguments) == 0 {
		return nil, fmt.Errorf("args must not be empty")
	}

	stdout := params.Get("stdout")
	if stdout == "" {
		stdout = "stdout.log"
	}
	stderr := params.Get("stderr")
	if stderr == "" {
		stderr = "stderr.log"
	}

	payload := map[string]interface{}{
		"arguments":          arguments,
		"workingDirectory":   params.Get("workdir"),
		"stdoutPath":         stdout,
		"stderrPath":         stderr,
		"inputRootDirectory": params.Get("input"),
		"temporaryDirectory": params.Get("tmp"),
	}
	if params.Get("logs") != "" {
		payload["serverLogsDirectory"] = params.Get("logs")
	}
	if params.Get("timeout") != "" {
		timeout, err := ParseInt64(params.Get("timeout"))
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		payload["timeoutSeconds"] = timeout
	}
	if params.Get("env") != "" {
		env, err := ParseEnvMap(params.Get("env"))
		if err != nil {
			return nil, err
		}
		payload["environmentVariables"] = env
	}
	return payload, nil
}
