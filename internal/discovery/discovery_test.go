package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShipSecAI/studio-sub005/internal/mcpclient"
)

func TestRequest_Validate(t *testing.T) {
	cases := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"http with endpoint", Request{Transport: mcpclient.TransportHTTP, Endpoint: "https://x"}, false},
		{"http without endpoint", Request{Transport: mcpclient.TransportHTTP}, true},
		{"stdio with command", Request{Transport: mcpclient.TransportStdio, Command: "mcp-server"}, false},
		{"stdio without command", Request{Transport: mcpclient.TransportStdio}, true},
		{"unsupported transport", Request{Transport: "carrier-pigeon"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRequest_LabelPrefersEndpointOverCommand(t *testing.T) {
	require.Equal(t, "https://x", Request{Endpoint: "https://x", Command: "mcp-server"}.label())
	require.Equal(t, "mcp-server", Request{Command: "mcp-server"}.label())
}
