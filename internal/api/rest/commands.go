package rest

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/commands-v1.json
var commandSchemaJSON string

// Command payload names, matching $defs in the embedded schema.
const (
	cmdConnect  = "connect"
	cmdSetpoint = "setpoint"
	cmdLimits   = "limits"
	cmdMaster   = "master"
	cmdInterval = "interval"
	cmdLogin    = "login"
)

// CommandValidator guards inbound command payloads against type/shape
// malformation. Domain validity (voltage/current ranges) is deliberately not
// checked here - that is the command source's responsibility.
type CommandValidator struct {
	schemas map[string]*jsonschema.Schema
}

func NewCommandValidator() (*CommandValidator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("commands-v1.json",
		strings.NewReader(commandSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	v := &CommandValidator{schemas: make(map[string]*jsonschema.Schema)}
	for _, name := range []string{cmdConnect, cmdSetpoint, cmdLimits, cmdMaster, cmdInterval, cmdLogin} {
		schema, err := compiler.Compile("commands-v1.json#/$defs/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		v.schemas[name] = schema
	}

	return v, nil
}

// Validate checks a raw payload against the named command schema.
func (v *CommandValidator) Validate(command string, data []byte) error {
	schema, ok := v.schemas[command]
	if !ok {
		return fmt.Errorf("unknown command: %s", command)
	}

	// An absent body is treated as an empty object so commands without
	// parameters need none.
	if len(data) == 0 {
		data = []byte("{}")
	}

	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}
