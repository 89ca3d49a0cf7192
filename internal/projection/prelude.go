package projection

import (
	_ "embed"
	"fmt"

	"github.com/hjanuschka/go-projections/internal/engine"
	"github.com/hjanuschka/go-projections/internal/logging"
	"github.com/hjanuschka/go-projections/internal/scripting"
)

// PreludeFileName is the name the DSL prelude compiles under.
const PreludeFileName = "projections.js"

//go:embed projections.js
var preludeSource string

// PreludeSource returns the DSL prelude.
func PreludeSource() string { return preludeSource }

// NewPrelude loads the DSL prelude on iso. log() calls inside queries go to
// the projection logger as user generated entries.
func NewPrelude(iso *scripting.Isolate) (*scripting.PreludeScript, error) {
	logger := logging.GetLogger().WithComponent("projection")
	logFn := engine.HostFunc(func(args []interface{}) (interface{}, error) {
		msg := ""
		if len(args) > 0 && args[0] != nil {
			msg = fmt.Sprint(args[0])
		}
		logger.UserGenerated(msg, nil)
		return nil, nil
	})

	iso.Lock()
	defer iso.Unlock()
	return scripting.NewPreludeScript(iso, preludeSource, PreludeFileName, engine.Binding{Name: "$log", Value: logFn})
}
