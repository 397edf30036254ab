package main

import (
	"fmt"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eipscan/cip"
	"eipscan/config"
)

func TestParseSimTag(t *testing.T) {
	tests := []struct {
		def    string
		name   string
		values []cip.Value
		err    bool
	}{
		{"Speed=REAL:12.5", "Speed", []cip.Value{cip.Real(12.5)}, false},
		{"Counts=dint:1,2,3", "Counts", []cip.Value{cip.Dint(1), cip.Dint(2), cip.Dint(3)}, false},
		{"Run=BOOL:true,0", "Run", []cip.Value{cip.Bool(true), cip.Bool(false)}, false},
		{"Mask=DWORD:255", "Mask", []cip.Value{cip.Bits(255)}, false},
		{"Label=STRING:line1", "Label", []cip.Value{cip.String("line1")}, false},
		{"Speed", "", nil, true},
		{"Speed=REAL", "", nil, true},
		{"Speed=LREAL:1", "", nil, true},
		{"Speed=REAL:fast", "", nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.def, func(t *testing.T) {
			name, values, err := parseSimTag(tc.def)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.name, name)
			assert.Equal(t, fmt.Sprint(tc.values), fmt.Sprint(values))
		})
	}
}

func TestOverrideFromViper(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("log-level", "debug")
	viper.Set("debug-log", "/tmp/eip.log")
	viper.Set("api-listen", "0.0.0.0:9000")

	cfg := config.DefaultConfig()
	cfg.API.Enabled = false
	overrideFromViper(cfg)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/eip.log", cfg.Log.DebugFile)
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Listen)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestServicesListsEnabledSurfaces(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MQTT = []config.MQTTConfig{{Name: "m1", Enabled: true, Broker: "broker", Port: 1883}, {Name: "m2"}}
	cfg.Valkey = []config.ValkeyConfig{{Name: "v1", Enabled: true, Address: "cache:6379"}}
	cfg.Kafka = []config.KafkaConfig{{Name: "k1", Enabled: true, Brokers: []string{"k:9092"}}}
	cfg.SSH = config.SSHConfig{Enabled: true, Listen: "127.0.0.1:0", PasswordHash: "unused"}

	g, err := newGateway(cfg, nil)
	require.NoError(t, err)
	var kinds []string
	for _, s := range g.services() {
		kinds = append(kinds, s.Kind+":"+s.Name)
		assert.False(t, s.Running, s.Name)
	}
	assert.Equal(t, []string{"API:rest", "MQTT:m1", "Valkey:v1", "Kafka:k1", "SSH:monitor"}, kinds)
}
