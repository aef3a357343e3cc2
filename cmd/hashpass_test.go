package cmd

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashpassCommand(t *testing.T) {
	// First attempt mismatches to exercise the retry loop
	passwords := []string{"testpassword", "different", "testpassword", "testpassword"}
	passwordIndex := 0

	mockPasswordReader := func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
	customPasswordReader = mockPasswordReader

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"hashpass"})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Passwords do not match. Please try again.")

	lines := strings.Fields(output)
	hash := lines[len(lines)-1]
	assert.True(
		t, strings.HasPrefix(hash, "$argon2id$"),
		"expected an argon2id hash, got %q", hash,
	)
}
