package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"

	"taskrunner/internal/domain/variables"
)

// valuePrompter asks for one variable value.
type valuePrompter func(name string) (string, error)

func promptuiValue(name string) (string, error) {
	prompt := promptui.Prompt{
		Label: name,
		Validate: func(input string) error {
			if strings.TrimSpace(input) == "" {
				return errors.New("value must not be empty")
			}
			return nil
		},
	}
	if strings.Contains(name, "PASSWORD") || strings.Contains(name, "SECRET") || strings.Contains(name, "TOKEN") {
		prompt.Mask = '*'
	}
	return prompt.Run()
}

// fillMissing prompts for every name in missing and returns vals extended
// with the answers.
func fillMissing(vals variables.Values, missing []string, ask valuePrompter) (variables.Values, error) {
	out := variables.Merge(vals)
	for _, name := range missing {
		value, err := ask(name)
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
				return nil, fmt.Errorf("cancelled while entering %s", name)
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}
