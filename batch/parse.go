// ABOUTME: Line-by-line parsing of batch request and result JSONL streams into custom_id keyed maps.
// ABOUTME: Result parsing tolerates malformed lines: good lines survive, bad ones become diagnostics.
package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Parse statuses. A result stream is Complete only when every line parsed
// cleanly; any skipped line degrades the whole parse to Corrupted while the
// surviving data is still returned. One malformed generation must not
// discard the rest of a large batch.
const (
	ParseComplete  = "complete"
	ParseCorrupted = "corrupted"
)

// ParseResult is the outcome of parsing a raw result stream.
type ParseResult struct {
	Status      string         `json:"status"`
	Data        map[string]any `json:"data"`
	Diagnostics []string       `json:"diagnostics,omitempty"`
}

// resultLine is the wire shape of one raw batch result line.
type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
}

// requestLine is the wire shape of one submitted batch request line.
type requestLine struct {
	CustomID string `json:"custom_id"`
	Body     struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	} `json:"body"`
}

// ParseResults reads a raw newline-delimited result stream and builds a
// custom_id -> parsed content map. A line is skipped, with a diagnostic, if
// its response is missing or non-200 or if the inner text payload is not
// valid JSON.
func ParseResults(r io.Reader) (*ParseResult, error) {
	result := &ParseResult{Status: ParseComplete, Data: map[string]any{}}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineNum++
		if line == "" {
			continue
		}

		var rl resultLine
		if err := json.Unmarshal([]byte(line), &rl); err != nil {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("line %d: invalid result line: %v", lineNum, err))
			continue
		}
		if rl.Response == nil {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("line %d (custom_id %s): missing response", lineNum, rl.CustomID))
			continue
		}
		if rl.Response.StatusCode != 0 && rl.Response.StatusCode != 200 {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("line %d (custom_id %s): response status %d", lineNum, rl.CustomID, rl.Response.StatusCode))
			continue
		}
		if len(rl.Response.Body.Choices) == 0 {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("line %d (custom_id %s): no choices in response", lineNum, rl.CustomID))
			continue
		}

		content := rl.Response.Body.Choices[0].Message.Content
		var parsed any
		if err := json.Unmarshal([]byte(content), &parsed); err != nil {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("line %d (custom_id %s): content is not valid JSON: %v", lineNum, rl.CustomID, err))
			continue
		}
		result.Data[rl.CustomID] = parsed
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read result stream: %w", err)
	}

	if len(result.Diagnostics) > 0 {
		result.Status = ParseCorrupted
	}
	return result, nil
}

// ParseResultsFile parses a downloaded results file from disk.
func ParseResultsFile(path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()
	return ParseResults(f)
}

// ExtractPrompts reads a submitted batch file and pulls out the system and
// user prompt columns keyed by custom_id, for later inspection as markers.
func ExtractPrompts(r io.Reader) (system, user map[string]string, err error) {
	system = map[string]string{}
	user = map[string]string{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineNum++
		if line == "" {
			continue
		}
		var rl requestLine
		if err := json.Unmarshal([]byte(line), &rl); err != nil {
			return nil, nil, fmt.Errorf("parse batch line %d: %w", lineNum, err)
		}
		for _, msg := range rl.Body.Messages {
			switch msg.Role {
			case "system":
				system[rl.CustomID] = msg.Content
			case "user":
				user[rl.CustomID] = msg.Content
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read batch file: %w", err)
	}
	return system, user, nil
}

// ExtractPromptsFile extracts prompt columns from a batch file on disk.
func ExtractPromptsFile(path string) (system, user map[string]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()
	return ExtractPrompts(f)
}
