package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublicToolName(t *testing.T) {
	assert.Equal(t, "calculator_xzcli_add", PublicToolName("calculator", "add"))
	assert.Equal(t, "datetime_utils_xzcli_now", PublicToolName("datetime-utils", "now"))
}

func TestSplitPublicName(t *testing.T) {
	tool, ok := splitPublicName("calculator", "calculator_xzcli_add")
	assert.True(t, ok)
	assert.Equal(t, "add", tool)

	tool, ok = splitPublicName("datetime-utils", "datetime_utils_xzcli_now")
	assert.True(t, ok)
	assert.Equal(t, "now", tool)

	_, ok = splitPublicName("calculator", "weather_xzcli_now")
	assert.False(t, ok)

	// A bare prefix with no tool name does not resolve.
	_, ok = splitPublicName("calculator", "calculator_xzcli_")
	assert.False(t, ok)
}
