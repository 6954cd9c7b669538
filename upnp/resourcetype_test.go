package upnp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		domain  string
		kind    ResourceTypeKind
		typ     string
		version int
	}{
		{
			name:    "standard device type",
			input:   "urn:schemas-upnp-org:device:Basic:1",
			domain:  "schemas-upnp-org",
			kind:    ResourceTypeDevice,
			typ:     "Basic",
			version: 1,
		},
		{
			name:    "standard service type",
			input:   "urn:schemas-upnp-org:service:SwitchPower:1",
			domain:  "schemas-upnp-org",
			kind:    ResourceTypeService,
			typ:     "SwitchPower",
			version: 1,
		},
		{
			name:    "vendor domain",
			input:   "urn:example-com:device:Thermostat:2",
			domain:  "example-com",
			kind:    ResourceTypeDevice,
			typ:     "Thermostat",
			version: 2,
		},
		{name: "missing urn prefix", input: "schemas-upnp-org:device:Basic:1", wantErr: true},
		{name: "bad kind", input: "urn:schemas-upnp-org:gadget:Basic:1", wantErr: true},
		{name: "missing version", input: "urn:schemas-upnp-org:device:Basic", wantErr: true},
		{name: "non-numeric version", input: "urn:schemas-upnp-org:device:Basic:one", wantErr: true},
		{name: "zero version", input: "urn:schemas-upnp-org:device:Basic:0", wantErr: true},
		{name: "empty type", input: "urn:schemas-upnp-org:device::1", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := ParseResourceType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.domain, rt.Domain())
			assert.Equal(t, tt.kind, rt.Kind())
			assert.Equal(t, tt.typ, rt.Type())
			assert.Equal(t, tt.version, rt.Version())
			assert.Equal(t, tt.input, rt.String())
		})
	}
}

func TestResourceTypeCompatibleWith(t *testing.T) {
	v1, err := ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:1")
	require.NoError(t, err)
	v2, err := ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:2")
	require.NoError(t, err)
	other, err := ParseResourceType("urn:schemas-upnp-org:service:Dimming:1")
	require.NoError(t, err)
	device, err := ParseResourceType("urn:schemas-upnp-org:device:SwitchPower:1")
	require.NoError(t, err)

	assert.True(t, v1.CompatibleWith(v1), "same version is compatible")
	assert.True(t, v2.CompatibleWith(v1), "higher version satisfies lower request")
	assert.False(t, v1.CompatibleWith(v2), "lower version does not satisfy higher request")
	assert.False(t, v1.CompatibleWith(other), "different type is incompatible")
	assert.False(t, device.CompatibleWith(v1), "device vs service is incompatible")

	assert.True(t, v1.Equal(v1))
	assert.False(t, v1.Equal(v2))
}
