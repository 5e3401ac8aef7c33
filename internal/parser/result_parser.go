// Package parser extracts engine result payloads from container output.
package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrEngineOutput is returned when the output contains a fatal error marker.
	ErrEngineOutput = errors.New("engine reported an error")

	// ErrNoPayload is returned when neither a JSON object nor a result table was found.
	ErrNoPayload = errors.New("no result payload in output")
)

// Parser turns raw engine output into a JSON payload.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a new Parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// ParsePayload returns the engine result found in logs.
//
// The last line holding a JSON object wins. Engines that print a
// `Label │ value` summary table instead get the table converted to a flat
// JSON object keyed by snake-cased labels.
func (p *Parser) ParsePayload(logs string) ([]byte, error) {
	if payload := lastJSONObject(logs); payload != nil {
		return payload, nil
	}

	if err := p.checkForErrors(logs); err != nil {
		return nil, err
	}

	table := parseTable(logs)
	if len(table) == 0 {
		return nil, ErrNoPayload
	}

	payload, err := json.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("failed to encode table payload: %w", err)
	}

	p.logger.Debug("Parsed result table",
		zap.Int("fields", len(table)),
	)

	return payload, nil
}

// maxLineSize bounds a single log line; the engine's result line can be large.
const maxLineSize = 1 << 20

// lastJSONObject scans logs for the last line that is a complete JSON object.
func lastJSONObject(logs string) []byte {
	var last []byte

	scanner := bufio.NewScanner(strings.NewReader(logs))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) < 2 || line[0] != '{' {
			continue
		}
		if json.Valid(line) {
			last = bytes.Clone(line)
		}
	}

	return last
}

// checkForErrors checks the log output for error indicators.
func (p *Parser) checkForErrors(logs string) error {
	// Check for common error patterns
	errorPatterns := []string{
		"Traceback (most recent call last):",
		"panic:",
		"CRITICAL:",
		"FATAL:",
		"Exception:",
	}

	logsLower := strings.ToLower(logs)
	for _, pattern := range errorPatterns {
		if strings.Contains(logsLower, strings.ToLower(pattern)) {
			// Extract error context
			errorMsg := extractErrorMessage(logs, pattern)
			return fmt.Errorf("%w: %s", ErrEngineOutput, errorMsg)
		}
	}

	return nil
}

// extractErrorMessage extracts the error message from logs.
func extractErrorMessage(logs, pattern string) string {
	idx := strings.Index(strings.ToLower(logs), strings.ToLower(pattern))
	if idx == -1 {
		return "unknown error"
	}

	// Get up to 500 characters starting from the pattern
	end := min(idx+len(pattern)+500, len(logs))
	snippet := logs[idx:end]

	// Find end of line or message
	if newlineIdx := strings.Index(snippet, "\n"); newlineIdx != -1 {
		snippet = snippet[:newlineIdx]
	}

	return strings.TrimSpace(snippet)
}

// Two-column summary rows, with box-drawing or ASCII separators.
var tableRowRe = regexp.MustCompile(`^\s*[│|]?\s*([A-Za-z][\w .()/%-]*?)\s*[│|]\s*([^│|]+?)\s*[│|]?\s*$`)

var nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)

// parseTable collects the rows of every two-column table in logs.
// Later rows overwrite earlier ones with the same label.
func parseTable(logs string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(logs, "\n") {
		m := tableRowRe.FindStringSubmatch(line)
		if len(m) < 3 {
			continue
		}
		key := labelKey(m[1])
		value := strings.TrimSpace(m[2])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// labelKey snake-cases a table label: "Max Drawdown (abs)" -> "max_drawdown_abs".
func labelKey(label string) string {
	key := nonWordRe.ReplaceAllString(strings.ToLower(label), "_")
	return strings.Trim(key, "_")
}
