package internal

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name     string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"Warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}

	for _, thisCase := range testCases {
		t.Run(thisCase.name, func(t *testing.T) {
			assert.Equal(t, thisCase.expected, ParseLevel(thisCase.name, zerolog.InfoLevel))
		})
	}
}

func TestCreateDefaultLogger(t *testing.T) {
	assert := assert.New(t)

	out := new(bytes.Buffer)
	logger, closer := CreateDefaultLogger(out, zerolog.InfoLevel)

	logger.Debug().Msg("hidden")
	logger.Info().Str("CHANNEL_ID", "1").Msg("AMQP TOPOLOGY RECOVERED")
	if !assert.NoError(closer.Close(), "flush") {
		t.FailNow()
	}

	assert.Contains(out.String(), "AMQP TOPOLOGY RECOVERED")
	assert.Contains(out.String(), "CHANNEL_ID")
	assert.NotContains(out.String(), "hidden", "below level")
}
