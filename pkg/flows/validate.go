package flows

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const flowSchema = `
#Number: int & >=0 | =~"^(0[xX][0-9a-fA-F]+|[0-9]+)$"
#MAC:    =~"^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$"
#IPv4:   =~"^[0-9]{1,3}(\\.[0-9]{1,3}){3}(/[0-9]{1,2})?$"

#Match: {
	in_port?:     #Number
	dl_vlan?:     #Number
	dl_vlan_pcp?: #Number
	dl_src?:      #MAC
	dl_dst?:      #MAC
	dl_type?:     #Number
	nw_src?:      #IPv4
	nw_dst?:      #IPv4
	nw_proto?:    #Number
	nw_tos?:      #Number
	tp_src?:      #Number
	tp_dst?:      #Number
}

#Action: {
	action_type: "output" | "set_vlan" | "push_vlan" | "pop_vlan" | "set_queue"
	port?:       int & >=0
	vlan_id?:    int & >=0 & <=4095
	tag_type?:   "c" | "s"
	queue_id?:   int & >=0
}

#Flow: {
	table_id:     int & >=0 & <=254
	priority:     int & >=0 & <=65535
	cookie:       int & >=0
	idle_timeout: int & >=0 & <=65535
	hard_timeout: int & >=0 & <=65535
	match:        null | #Match
	actions:      null | [...#Action]
}
`

// Validator checks flows against the schema and engine rules.
// A cue.Context is not safe for concurrent use, so calls are serialised.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewValidator compiles the flow schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(flowSchema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile flow schema: %w", err)
	}

	schema := val.LookupPath(cue.ParsePath("#Flow"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to lookup flow schema: %w", err)
	}

	return &Validator{ctx: ctx, schema: schema}, nil
}

var (
	defaultValidator     *Validator
	defaultValidatorErr  error
	defaultValidatorOnce sync.Once
)

// Validate checks a flow with the package's shared validator.
func Validate(f Flow) error {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	if defaultValidatorErr != nil {
		return defaultValidatorErr
	}
	return defaultValidator.Validate(f)
}

// ValidateAll validates every flow and reports the first failure with its index.
func ValidateAll(fs []Flow) error {
	for i, f := range fs {
		if err := Validate(f); err != nil {
			return fmt.Errorf("flow %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks the flow's shape against the schema, then the engine rules.
// Every returned error wraps ErrInvalidFlow.
func (v *Validator) Validate(f Flow) error {
	if err := v.validateSchema(f); err != nil {
		return err
	}
	return validateRules(f)
}

func (v *Validator) validateSchema(f Flow) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: failed to encode flow: %v", ErrInvalidFlow, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// JSON is valid CUE, so integers keep their int kind.
	val := v.ctx.CompileBytes(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("%w: failed to decode flow: %v", ErrInvalidFlow, err)
	}

	unified := v.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	return nil
}

func validateRules(f Flow) error {
	if f.TableID != ManagedTable {
		return fmt.Errorf("%w: table %d is not managed, only table %d", ErrInvalidFlow, f.TableID, ManagedTable)
	}
	if IsReserved(f.Cookie) {
		return fmt.Errorf("%w: cookie %#x is in a reserved range", ErrInvalidFlow, f.Cookie)
	}

	for i, a := range f.Actions {
		switch a.Type {
		case ActionOutput:
			if a.Port == 0 {
				return fmt.Errorf("%w: action %d: output requires a port", ErrInvalidFlow, i)
			}
		case ActionSetVlan:
			if a.VlanID == 0 {
				return fmt.Errorf("%w: action %d: set_vlan requires vlan_id", ErrInvalidFlow, i)
			}
		case ActionSetQueue:
			if a.QueueID == 0 {
				return fmt.Errorf("%w: action %d: set_queue requires queue_id", ErrInvalidFlow, i)
			}
		}
	}
	return nil
}
