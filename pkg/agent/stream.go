package agent

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/trafficcontrol/trafficcontrol/pkg/models"
)

// EventType tags the events the adapter emits from the CLI stream.
type EventType string

const (
	EventToolCall   EventType = "tool_call"
	EventQuestion   EventType = "question"
	EventCompletion EventType = "completion"
	EventError      EventType = "error"
)

// askUserQuestionTool is the tool name the CLI uses to surface questions.
const askUserQuestionTool = "AskUserQuestion"

// Event is one decoded occurrence on the CLI stream. Fields are populated
// per type: tool fields for tool_call and question, result fields for
// completion and error.
type Event struct {
	Type EventType `json:"type"`

	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	IsProgress bool            `json:"is_progress,omitempty"`

	Question string `json:"question,omitempty"`

	Success   bool          `json:"success,omitempty"`
	Result    string        `json:"result,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
	Usage     models.Usage  `json:"usage,omitzero"`
	NumTurns  int           `json:"num_turns,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// cliMessage is the wire shape of one stdout line. Unknown fields are
// ignored.
type cliMessage struct {
	Type         string         `json:"type"`
	Subtype      string         `json:"subtype"`
	SessionID    string         `json:"session_id"`
	Result       string         `json:"result"`
	Message      *assistantBody `json:"message"`
	ToolUseID    string         `json:"tool_use_id"`
	ToolName     string         `json:"tool_name"`
	Usage        *usageBody     `json:"usage"`
	TotalCostUSD float64        `json:"total_cost_usd"`
	NumTurns     int            `json:"num_turns"`
	DurationMS   int64          `json:"duration_ms"`
	Errors       []string       `json:"errors"`
	Error        string         `json:"error"`
}

type assistantBody struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Text  string          `json:"text"`
	Input json.RawMessage `json:"input"`
}

type usageBody struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// extractUsage normalizes the usage sub-object and total_cost_usd with zero
// defaults for absent fields.
func extractUsage(u *usageBody, totalCostUSD float64) models.Usage {
	var usage models.Usage
	if u != nil {
		usage.InputTokens = u.InputTokens
		usage.OutputTokens = u.OutputTokens
		usage.CacheReadInputTokens = u.CacheReadInputTokens
		usage.CacheCreationInputTokens = u.CacheCreationInputTokens
		usage.TotalTokens = u.InputTokens + u.OutputTokens
	}
	usage.CostUSD = totalCostUSD
	return usage
}

// LineFramer reassembles newline-delimited JSON from arbitrary chunk
// boundaries and emits one Event per mapped message. It implements
// io.Writer so subprocess stdout can be copied straight into it. Lines that
// fail to parse are dropped silently.
type LineFramer struct {
	buf    []byte
	emit   func(Event)
	onText func(string)
}

// NewLineFramer creates a framer delivering events to emit in stream order.
func NewLineFramer(emit func(Event)) *LineFramer {
	return &LineFramer{emit: emit}
}

// SetTextSink installs an optional receiver for streamed assistant text.
// Text blocks never become events; the sink exists so partial responses
// survive a timeout.
func (f *LineFramer) SetTextSink(fn func(string)) {
	f.onText = fn
}

// Write appends a chunk and processes every complete line in it.
func (f *LineFramer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]
		f.processLine(line)
	}
}

// Flush parses any trailing partial line as a final message. Called once
// after the stream closes.
func (f *LineFramer) Flush() {
	if len(f.buf) == 0 {
		return
	}
	line := f.buf
	f.buf = nil
	f.processLine(line)
}

func (f *LineFramer) processLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var msg cliMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}
	if f.onText != nil && msg.Type == "assistant" && msg.Message != nil {
		for _, block := range msg.Message.Content {
			if block.Type == "text" && block.Text != "" {
				f.onText(block.Text)
			}
		}
	}
	for _, ev := range mapMessage(msg) {
		f.emit(ev)
	}
}

// mapMessage applies the message taxonomy. Assistant messages may carry
// several tool_use blocks and so may yield several events; everything
// unrecognized maps to nothing.
func mapMessage(msg cliMessage) []Event {
	switch msg.Type {
	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var events []Event
		for _, block := range msg.Message.Content {
			if block.Type != "tool_use" {
				continue
			}
			if block.Name == askUserQuestionTool {
				events = append(events, Event{
					Type:      EventQuestion,
					ToolUseID: block.ID,
					ToolName:  block.Name,
					Question:  extractQuestion(block.Input),
					Input:     block.Input,
				})
				continue
			}
			events = append(events, Event{
				Type:      EventToolCall,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				Input:     block.Input,
			})
		}
		return events

	case "tool_progress":
		return []Event{{
			Type:       EventToolCall,
			ToolUseID:  msg.ToolUseID,
			ToolName:   msg.ToolName,
			IsProgress: true,
		}}

	case "result":
		switch msg.Subtype {
		case "success":
			return []Event{{
				Type:      EventCompletion,
				Success:   true,
				Result:    msg.Result,
				Usage:     extractUsage(msg.Usage, msg.TotalCostUSD),
				NumTurns:  msg.NumTurns,
				Duration:  time.Duration(msg.DurationMS) * time.Millisecond,
				SessionID: msg.SessionID,
			}}
		case "error_during_execution":
			errs := msg.Errors
			if len(errs) == 0 && msg.Error != "" {
				errs = []string{msg.Error}
			}
			if len(errs) == 0 {
				errs = []string{"Unknown error"}
			}
			return []Event{{
				Type:      EventError,
				Success:   false,
				Errors:    errs,
				Usage:     extractUsage(msg.Usage, msg.TotalCostUSD),
				NumTurns:  msg.NumTurns,
				Duration:  time.Duration(msg.DurationMS) * time.Millisecond,
				SessionID: msg.SessionID,
			}}
		}
		return nil
	}
	return nil
}

// extractQuestion pulls the question text out of an AskUserQuestion input.
func extractQuestion(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var body struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(input, &body); err != nil {
		return ""
	}
	return body.Question
}
