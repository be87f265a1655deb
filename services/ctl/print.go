package ctl

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"tfgate/pkg/render"
)

// Output formats accepted by Print.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatText = "text"
)

// Print writes v to w in format. The text format supports RunStatus,
// RunDetail and []RunRow.
func Print(w io.Writer, format string, v any) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case FormatText:
		return printText(w, v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printText(w io.Writer, v any) error {
	var name string
	switch v.(type) {
	case RunStatus:
		name = "status"
	case RunDetail:
		name = "run"
	case []RunRow:
		name = "runs"
	default:
		return fmt.Errorf("no text layout for %T", v)
	}

	engine, err := render.New()
	if err != nil {
		return err
	}
	out, err := engine.Render(name, v)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}
