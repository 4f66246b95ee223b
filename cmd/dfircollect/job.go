package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

// readJobFile reads the job from filename, or from stdin when it is "-".
// The returned name is suitable for messages.
func readJobFile(_ context.Context, filename string) ([]byte, string, error) {
	if filename == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, "<stdin>", nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, "", err
	}
	return data, filename, nil
}
