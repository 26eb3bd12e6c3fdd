package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/recognition-engine/logging"
)

func TestNew(t *testing.T) {
	logger, err := logging.New("warn", "")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	logger, err = logging.New(" DEBUG ", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = logging.New("loud", "json")
	assert.Error(t, err)
	_, err = logging.New("info", "xml")
	assert.Error(t, err)
}
