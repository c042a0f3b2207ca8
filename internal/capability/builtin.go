package capability

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"agentforge.dev/executor/common/llm"
)

// SourceBuiltin marks capabilities compiled into this binary.
const SourceBuiltin = "builtin"

func builtins() []Capability {
	return []Capability{
		currentTime{},
		textStats{},
	}
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name, defaults to UTC"`
}

type currentTime struct{}

func (currentTime) Name() string        { return "current_time" }
func (currentTime) Description() string { return "Returns the current date and time." }
func (currentTime) Schema() any         { return llm.GenerateSchemaFrom(currentTimeArgs{}) }

func (currentTime) Invoke(_ context.Context, arguments string) (map[string]any, error) {
	args, err := llm.ParseToolArguments[currentTimeArgs](arguments)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	if args.Timezone != "" {
		if parsed, err := time.LoadLocation(args.Timezone); err == nil {
			loc = parsed
		}
	}

	now := time.Now().In(loc)
	return map[string]any{
		"iso":      now.Format(time.RFC3339),
		"timezone": loc.String(),
	}, nil
}

type textStatsArgs struct {
	Text string `json:"text" jsonschema:"required" jsonschema_description:"Text to analyze"`
}

type textStats struct{}

func (textStats) Name() string        { return "text_stats" }
func (textStats) Description() string { return "Computes word and character counts for a text." }
func (textStats) Schema() any         { return llm.GenerateSchemaFrom(textStatsArgs{}) }

func (textStats) Invoke(_ context.Context, arguments string) (map[string]any, error) {
	args, err := llm.ParseToolArguments[textStatsArgs](arguments)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"words":      len(strings.Fields(args.Text)),
		"characters": utf8.RuneCountInString(args.Text),
		"lines":      len(strings.Split(args.Text, "\n")),
	}, nil
}
