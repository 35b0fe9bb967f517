package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScriptKey(t *testing.T) {
	tests := []struct {
		name        string
		protocol    string
		clientOrUID string
		want        string
	}{
		{"mqtt uses client id form", "MQTT", "dev-1", "mqtt_script[dev-1]"},
		{"tcp uses struct form", "TCP", "1001", "struct:Tcp[1001]"},
		{"http uses struct form", "HTTP", "1001", "struct:Http[1001]"},
		{"ws uses struct form", "WS", "1001", "struct:Ws[1001]"},
		{"coap uses struct form", "COAP", "1001", "struct:Coap[1001]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scriptKey(tt.protocol, tt.clientOrUID))
		})
	}
}

func TestProtoProperCase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"COAP", "Coap"},
		{"coap", "Coap"},
		{"TCP", "Tcp"},
		{"HTTP", "Http"},
		{"WS", "Ws"},
		{"MQTT", "MQTT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, protoProperCase(tt.in))
	}
}
