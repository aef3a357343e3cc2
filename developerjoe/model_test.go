package developerjoe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatModelByID(t *testing.T) {
	t.Parallel()

	for _, m := range ChatModels() {
		found, err := ChatModelByID(m.ID())
		require.NoError(t, err)
		assert.Equal(t, m, found)
	}

	_, err := ChatModelByID("gpt-99")
	assert.ErrorIs(t, err, ErrModelNotFound)

	_, err = ChatModelByID("")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestChatModelsUnique(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, m := range ChatModels() {
		assert.NotEmpty(t, m.ID())
		assert.NotEmpty(t, m.DisplayName())
		assert.False(t, seen[m.ID()], "duplicate model id %q", m.ID())
		seen[m.ID()] = true
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("hi"))
	assert.Equal(t, 2, estimateTokens("eight ch"))
	assert.Equal(t, 25, estimateTokens(string(make([]byte, 100))))
}
