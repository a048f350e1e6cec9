package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mhalbert/flowline/core"
)

// Built-in task types.
const (
	TaskTypeHTTPRequest   = "http_request"
	TaskTypeDataTransform = "data_transform"
	TaskTypeConditional   = "conditional"
	TaskTypeDelay         = "delay"
	TaskTypeLog           = "log"
)

// ═══════════════════════════════════════════════════════════════════════════
// http_request
// ═══════════════════════════════════════════════════════════════════════════

// HTTPRequestHandler performs an HTTP call.
//
// Config schema:
//
//	{
//	    "url": "https://api.example.com/orders/{order_id}",
//	    "method": "GET" | "POST" | "PUT" | "DELETE",
//	    "headers": {"key": "value"},
//	    "body": {...} | null,
//	    "expected_status": [200, 201]
//	}
//
// URL placeholders of the form {key} are substituted from the input data.
// Responses outside expected_status fail the step: 5xx and transport errors
// are retryable, everything else is permanent.
type HTTPRequestHandler struct {
	client *http.Client
}

// NewHTTPRequestHandler creates the handler. A nil client gets a default
// client with OpenTelemetry-instrumented transport; per-step timeouts come
// from the execution context, not the client.
func NewHTTPRequestHandler(client *http.Client) *HTTPRequestHandler {
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPRequestHandler{client: client}
}

func (h *HTTPRequestHandler) TaskType() string { return TaskTypeHTTPRequest }

func (h *HTTPRequestHandler) Execute(ctx context.Context, config, input core.JSONMap) (core.JSONMap, error) {
	rawURL, _ := config["url"].(string)
	if rawURL == "" {
		return nil, core.NewFatalError("http_request requires a url")
	}

	url, err := renderTemplate(rawURL, input)
	if err != nil {
		return nil, core.NewFatalError("cannot render url %q: %v", rawURL, err)
	}

	method := "GET"
	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if raw, ok := config["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, core.NewFatalError("cannot serialize request body: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, core.NewFatalError("cannot build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Deadline or cancellation; surfaced as-is so the engine
			// classifies it as a timeout.
			return nil, ctx.Err()
		}
		return nil, core.NewRetryableError("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewRetryableError("cannot read response: %v", err)
	}

	if !statusExpected(resp.StatusCode, config["expected_status"]) {
		msg := fmt.Sprintf("request to %s returned status %d: %s", url, resp.StatusCode, truncate(string(respBody), 512))
		details := core.JSONMap{"status_code": resp.StatusCode}
		if resp.StatusCode >= 500 {
			return nil, &core.RetryableError{Message: msg, Details: details}
		}
		return nil, &core.FatalError{Message: msg, Details: details}
	}

	var parsed interface{}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed = core.JSONMap{"text": string(respBody)}
	}

	return annotate(input, core.JSONMap{
		"status_code": resp.StatusCode,
		"response":    parsed,
	}), nil
}

// statusExpected checks the response status against the configured list.
// Defaults to {200, 201, 204}.
func statusExpected(status int, raw interface{}) bool {
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return status == 200 || status == 201 || status == 204
	}
	for _, v := range list {
		if n, ok := toFloat64(v); ok && int(n) == status {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// ═══════════════════════════════════════════════════════════════════════════
// data_transform
// ═══════════════════════════════════════════════════════════════════════════

// DataTransformHandler reshapes the carried data.
//
// Config schema:
//
//	{
//	    "transforms": [
//	        {"type": "rename", "from": "old_key", "to": "new_key"},
//	        {"type": "extract", "key": "nested.path", "as": "new_key"},
//	        {"type": "set", "key": "key", "value": "static_value"},
//	        {"type": "delete", "keys": ["key1", "key2"]}
//	    ]
//	}
//
// Transforms apply in order to a copy of the input. extract walks a
// dot-separated path; missing paths and unknown transform types are skipped.
type DataTransformHandler struct{}

// NewDataTransformHandler creates the handler.
func NewDataTransformHandler() *DataTransformHandler {
	return &DataTransformHandler{}
}

func (h *DataTransformHandler) TaskType() string { return TaskTypeDataTransform }

func (h *DataTransformHandler) Execute(_ context.Context, config, input core.JSONMap) (core.JSONMap, error) {
	result := input.Clone()
	if result == nil {
		result = core.JSONMap{}
	}

	transforms, _ := config["transforms"].([]interface{})
	for _, raw := range transforms {
		transform, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		switch transform["type"] {
		case "rename":
			from, _ := transform["from"].(string)
			to, _ := transform["to"].(string)
			if v, exists := result[from]; exists && to != "" {
				result[to] = v
				delete(result, from)
			}

		case "extract":
			path, _ := transform["key"].(string)
			as, _ := transform["as"].(string)
			if as == "" {
				parts := strings.Split(path, ".")
				as = parts[len(parts)-1]
			}
			if v, found := nestedValue(result, path); found {
				result[as] = v
			}

		case "set":
			if key, ok := transform["key"].(string); ok && key != "" {
				result[key] = transform["value"]
			}

		case "delete":
			keys, _ := transform["keys"].([]interface{})
			for _, k := range keys {
				if key, ok := k.(string); ok {
					delete(result, key)
				}
			}
		}
	}

	return result, nil
}

// nestedValue walks a dot-separated path through nested maps.
func nestedValue(data core.JSONMap, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = map[string]interface{}(data)
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			if jm, isJM := current.(core.JSONMap); isJM {
				m = jm
			} else {
				return nil, false
			}
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ═══════════════════════════════════════════════════════════════════════════
// conditional
// ═══════════════════════════════════════════════════════════════════════════

// ConditionalHandler evaluates a predicate against the carried data and
// merges in one of two branch payloads.
//
// Config schema:
//
//	{
//	    "condition": {
//	        "field": "some_key",
//	        "operator": "eq" | "ne" | "gt" | "lt" | "contains" | "exists",
//	        "value": "expected_value"
//	    },
//	    "on_true": {"result": "condition_met"},
//	    "on_false": {"result": "condition_not_met"}
//	}
type ConditionalHandler struct{}

// NewConditionalHandler creates the handler.
func NewConditionalHandler() *ConditionalHandler {
	return &ConditionalHandler{}
}

func (h *ConditionalHandler) TaskType() string { return TaskTypeConditional }

func (h *ConditionalHandler) Execute(_ context.Context, config, input core.JSONMap) (core.JSONMap, error) {
	condition, _ := config["condition"].(map[string]interface{})
	field, _ := condition["field"].(string)
	operator, _ := condition["operator"].(string)
	if operator == "" {
		operator = "eq"
	}
	expected := condition["value"]
	actual := input[field]

	result, err := evaluateCondition(operator, field, actual, expected, input)
	if err != nil {
		return nil, err
	}

	branchKey := "on_false"
	if result {
		branchKey = "on_true"
	}

	output := annotate(input, core.JSONMap{"condition_result": result})
	if branch, ok := config[branchKey].(map[string]interface{}); ok {
		for k, v := range branch {
			output[k] = v
		}
	}
	return output, nil
}

func evaluateCondition(operator, field string, actual, expected interface{}, input core.JSONMap) (bool, error) {
	switch operator {
	case "eq":
		return looseEqual(actual, expected), nil
	case "ne":
		return !looseEqual(actual, expected), nil
	case "gt", "lt":
		a, aok := toFloat64(actual)
		b, bok := toFloat64(expected)
		if aok && bok {
			if operator == "gt" {
				return a > b, nil
			}
			return a < b, nil
		}
		as, aIsStr := actual.(string)
		bs, bIsStr := expected.(string)
		if aIsStr && bIsStr {
			if operator == "gt" {
				return as > bs, nil
			}
			return as < bs, nil
		}
		return false, core.NewFatalError("cannot compare %T with %T for field %q", actual, expected, field)
	case "contains":
		return containsValue(actual, expected), nil
	case "exists":
		_, ok := input[field]
		return ok, nil
	default:
		return false, core.NewFatalError("unknown condition operator %q", operator)
	}
}

// looseEqual compares values with JSON number coercion, so 3 == 3.0.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

// containsValue mirrors membership semantics per container type: substring
// for strings, element for arrays, key for objects.
func containsValue(container, needle interface{}) bool {
	switch c := container.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(c, s)
	case []interface{}:
		for _, v := range c {
			if looseEqual(v, needle) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := c[key]
		return found
	default:
		return false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// delay
// ═══════════════════════════════════════════════════════════════════════════

// DelayHandler pauses the execution for a configured number of seconds.
//
// Config schema:
//
//	{"seconds": 5}
type DelayHandler struct{}

// NewDelayHandler creates the handler.
func NewDelayHandler() *DelayHandler {
	return &DelayHandler{}
}

func (h *DelayHandler) TaskType() string { return TaskTypeDelay }

func (h *DelayHandler) Execute(ctx context.Context, config, input core.JSONMap) (core.JSONMap, error) {
	seconds := 1.0
	if v, ok := toFloat64(config["seconds"]); ok {
		seconds = v
	}
	if seconds < 0 {
		return nil, core.NewFatalError("delay seconds cannot be negative: %v", seconds)
	}

	if err := sleepContext(ctx, time.Duration(seconds*float64(time.Second))); err != nil {
		return nil, err
	}
	return annotate(input, core.JSONMap{"delayed_seconds": seconds}), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// log
// ═══════════════════════════════════════════════════════════════════════════

// LogHandler writes a templated message to the process log.
//
// Config schema:
//
//	{
//	    "message": "Order {order_id} processed",
//	    "level": "info" | "warning" | "error"
//	}
//
// Placeholders of the form {key} are substituted from the input data;
// unresolved placeholders are left verbatim.
type LogHandler struct {
	logger core.Logger
}

// NewLogHandler creates the handler. A nil logger discards messages; the
// handler output still carries the rendered message.
func NewLogHandler(logger core.Logger) *LogHandler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) TaskType() string { return TaskTypeLog }

func (h *LogHandler) Execute(_ context.Context, config, input core.JSONMap) (core.JSONMap, error) {
	message := "Log step executed"
	if m, ok := config["message"].(string); ok && m != "" {
		message = m
	}
	level := "info"
	if l, ok := config["level"].(string); ok && l != "" {
		level = l
	}

	rendered := renderTemplateLenient(message, input)

	fields := map[string]interface{}{"source": "workflow"}
	switch level {
	case "error":
		h.logger.Error(rendered, fields)
	case "warning":
		h.logger.Warn(rendered, fields)
	case "debug":
		h.logger.Debug(rendered, fields)
	default:
		h.logger.Info(rendered, fields)
	}

	return annotate(input, core.JSONMap{"logged_message": rendered, "level": level}), nil
}

// annotate copies the step input and lays the handler's own keys over it.
// The engine feeds each step's output to the next step wholesale, so
// handlers that only annotate the data must pass the rest of it through.
// The transform handler is the exception: it returns exactly its transformed
// map so removed keys stay removed.
func annotate(input core.JSONMap, kv core.JSONMap) core.JSONMap {
	out := input.Clone()
	if out == nil {
		out = core.JSONMap{}
	}
	for k, v := range kv {
		out[k] = v
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// template substitution
// ═══════════════════════════════════════════════════════════════════════════

// renderTemplate substitutes {key} placeholders from data. A placeholder
// with no matching key is an error; URLs with unresolved segments are
// misconfigurations, not transient faults.
func renderTemplate(s string, data core.JSONMap) (string, error) {
	return substitute(s, data, true)
}

// renderTemplateLenient substitutes {key} placeholders from data, leaving
// unresolved placeholders verbatim.
func renderTemplateLenient(s string, data core.JSONMap) string {
	out, _ := substitute(s, data, false)
	return out
}

func substitute(s string, data core.JSONMap, strict bool) (string, error) {
	if !strings.Contains(s, "{") {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		close := strings.IndexByte(s[open:], '}')
		if close < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		close += open

		b.WriteString(s[:open])
		key := s[open+1 : close]
		if v, ok := data[key]; ok {
			b.WriteString(formatValue(v))
		} else {
			if strict {
				return "", fmt.Errorf("no value for placeholder {%s}", key)
			}
			b.WriteString(s[open : close+1])
		}
		s = s[close+1:]
	}
}

// formatValue renders a JSON value for embedding in a string. Integral
// floats print without an exponent or trailing zeros.
func formatValue(v interface{}) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", n)
	}
}
