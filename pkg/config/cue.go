package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// configSchema constrains the top level shape of a CUE configuration. Field
// level checks are left to the struct tags so YAML and CUE files share them.
const configSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	store?: {
		path?:              string & !=""
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
		busy_timeout?:      #Duration
	}
	engine?: {
		workers?:        int & >=1
		sweep_interval?: #Duration
		sweep_workers?:  int & >=1
		retry?: {
			max_attempts?: int & >=1
			base_delay?:   #Duration
			max_delay?:    #Duration
			ack_timeout?:  #Duration
		}
	}
	gateway?: {
		kind?: "memory" | "ovs"
		...
	}
	topology?: {
		devices?: [...{id: string & !="", ...}]
		links?: [...{a: string, b: string}]
	}
	intents?: {
		dir?:      string
		debounce?: #Duration
	}
	telemetry?: {...}
}
`

// evaluateCUE evaluates a CUE configuration against the schema and renders
// it as JSON for the YAML decoder.
func evaluateCUE(path string, src []byte) ([]byte, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	val := ctx.CompileBytes(src, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, cueError(path, err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(path, err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, cueError(path, err)
	}
	return data, nil
}

// cueError flattens CUE's error list into one error with positions.
func cueError(path string, err error) error {
	var msgs []string
	for _, e := range errors.Errors(err) {
		msg := errors.Details(e, nil)
		if pos := errors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%s: %s", pos[0], strings.TrimSpace(msg))
		}
		msgs = append(msgs, strings.TrimSpace(msg))
	}
	if len(msgs) == 0 {
		return fmt.Errorf("%s: %w", path, err)
	}
	return fmt.Errorf("%s: invalid CUE config: %s", path, strings.Join(msgs, "; "))
}
