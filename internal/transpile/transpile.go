// Package transpile turns TypeScript projection queries into JavaScript the
// engines can compile.
package transpile

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Error carries the first esbuild diagnostic plus the full list.
type Error struct {
	File     string
	Line     int
	Column   int
	Message  string
	Messages []string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("transform ts code error: %s (%s:%d:%d)", strings.Join(e.Messages, "\n"), e.File, e.Line, e.Column)
	}
	return fmt.Sprintf("transform ts code error: %s", strings.Join(e.Messages, "\n"))
}

// IsTypeScript reports whether fileName needs transpiling.
func IsTypeScript(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".ts", ".mts", ".cts":
		return true
	}
	return false
}

// TypeScript strips types from source. The output targets ES2015, which both
// engine backends accept; top-level declarations stay global.
func TypeScript(source, fileName string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader:     api.LoaderTS,
		Target:     api.ES2015,
		Sourcefile: fileName,
	})
	if len(result.Errors) > 0 {
		return "", convertErrors(result.Errors, fileName)
	}
	return string(result.Code), nil
}

// Source transpiles when fileName is TypeScript and passes JavaScript through.
func Source(source, fileName string) (string, error) {
	if !IsTypeScript(fileName) {
		return source, nil
	}
	return TypeScript(source, fileName)
}

func convertErrors(msgs []api.Message, fileName string) error {
	out := &Error{File: fileName}
	for _, m := range msgs {
		out.Messages = append(out.Messages, m.Text)
	}
	out.Message = msgs[0].Text
	if loc := msgs[0].Location; loc != nil {
		out.Line = loc.Line
		// esbuild columns are zero based
		out.Column = loc.Column + 1
	}
	return out
}
