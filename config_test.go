package tidysync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidylist/tidysync"
)

func TestNewConfigIsValid(t *testing.T) {
	c := tidysync.NewConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, tidysync.DefaultSearchDebounce, c.SearchDebounce)
	assert.Equal(t, tidysync.DefaultSearchLimit, c.SearchLimit)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TIDYSYNC_ACK_TIMEOUT", "2s")
	t.Setenv("TIDYSYNC_SEARCH_DEBOUNCE", "0s")
	t.Setenv("TIDYSYNC_SEARCH_LIMIT", "25")

	c, err := tidysync.ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.AckTimeout)
	assert.Equal(t, time.Duration(0), c.SearchDebounce)
	assert.Equal(t, 25, c.SearchLimit)
	assert.Equal(t, tidysync.NewConfig().WriteTimeout, c.WriteTimeout)
}

func TestConfigFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"TIDYSYNC_WRITE_TIMEOUT":   "soon",
		"TIDYSYNC_REFETCH_TIMEOUT": "-1s",
		"TIDYSYNC_SEARCH_LIMIT":    "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := tidysync.ConfigFromEnv()
			assert.Error(t, err)
		})
	}
}
