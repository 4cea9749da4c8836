package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"tabscribe/internal/services"
)

// splitCommand separates a configured command line into binary and arguments.
func splitCommand(command string) (string, []string, error) {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	return fields[0], fields[1:], nil
}

// runJSONCommand executes a stage worker command, feeding it the input schema
// as JSON on stdin and decoding its stdout into out.
func runJSONCommand(ctx context.Context, stageName, command string, input, out any) error {
	binary, args, err := splitCommand(command)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, stageName, "run worker", "no command configured", nil)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return services.Wrap(services.ErrValidation, stageName, "run worker", "marshal input", err)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTimeout, stageName, "run worker", "command deadline exceeded", ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return services.Wrap(services.ErrStageExecution, stageName, "run worker", detail, err)
	}

	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return services.Wrap(services.ErrStageExecution, stageName, "run worker", "malformed worker output", err)
	}
	return nil
}

// checkCommand verifies the configured command's binary is resolvable.
func checkCommand(stageName, command string) error {
	binary, _, err := splitCommand(command)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, stageName, "health check", "no command configured", nil)
	}
	if _, err := exec.LookPath(binary); err != nil {
		return services.Wrap(services.ErrConfiguration, stageName, "health check", fmt.Sprintf("%s not found", binary), err)
	}
	return nil
}
