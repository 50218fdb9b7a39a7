package transport

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTCURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"http://localhost:8080", "ws://localhost:8080/rtc"},
		{"https://live.example.com/", "wss://live.example.com/rtc"},
		{"wss://live.example.com/rtc", "wss://live.example.com/rtc"},
		{"ws://live.example.com/base", "ws://live.example.com/base/rtc"},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := rtcURL(tt.endpoint, "a.b c")
			require.NoError(t, err)

			u, err := url.Parse(got)
			require.NoError(t, err)
			assert.Equal(t, "a.b c", u.Query().Get("access_token"))
			u.RawQuery = ""
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestRTCURL_Invalid(t *testing.T) {
	_, err := rtcURL("ftp://example.com", "tok")
	assert.Error(t, err)

	_, err = rtcURL("", "tok")
	assert.Error(t, err)

	_, err = rtcURL("http://localhost:8080", "")
	assert.Error(t, err)
}
