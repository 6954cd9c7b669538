package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladhorn/hupnp/upnp"
	"github.com/gladhorn/hupnp/upnp/description"
	"github.com/gladhorn/hupnp/upnp/soap"
)

const testUDN = "uuid:00000000-0000-0000-0000-000000000001"

const hostDeviceXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>1</minor></specVersion>
  <device>
    <deviceType>urn:schemas-upnp-org:device:BinaryLight:1</deviceType>
    <friendlyName>Test Light</friendlyName>
    <manufacturer>Acme</manufacturer>
    <modelName>BL-100</modelName>
    <UDN>` + testUDN + `</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:SwitchPower:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:SwitchPower</serviceId>
        <SCPDURL>/switch.xml</SCPDURL>
        <controlURL>/control</controlURL>
        <eventSubURL>/event</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

const hostSCPDXML = `<?xml version="1.0"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <specVersion><major>1</major><minor>1</minor></specVersion>
  <actionList>
    <action>
      <name>SetTarget</name>
      <argumentList>
        <argument>
          <name>NewTargetValue</name>
          <direction>in</direction>
          <relatedStateVariable>Target</relatedStateVariable>
        </argument>
      </argumentList>
    </action>
  </actionList>
  <serviceStateTable>
    <stateVariable sendEvents="no">
      <name>Target</name>
      <dataType>boolean</dataType>
      <defaultValue>0</defaultValue>
    </stateVariable>
    <stateVariable sendEvents="yes">
      <name>Status</name>
      <dataType>boolean</dataType>
      <defaultValue>0</defaultValue>
    </stateVariable>
  </serviceStateTable>
</scpd>`

// mapFetcher serves SCPDs from memory
type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if data, ok := m[url]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", description.ErrNotFound, url)
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	h := NewHost(Config{
		ListenAddr: "127.0.0.1:0",
		Devices: []DeviceConfig{{
			Description:        []byte(hostDeviceXML),
			CacheControlMaxAge: 30,
			Factory: func(serviceType upnp.ResourceType, serviceID string) map[string]upnp.ActionInvoker {
				return map[string]upnp.ActionInvoker{
					"SetTarget": func(ctx context.Context, in *upnp.ActionArguments) (*upnp.ActionArguments, error) {
						return upnp.NewActionArguments(), nil
					},
				}
			},
		}},
		Fetcher: mapFetcher{"file:///switch.xml": []byte(hostSCPDXML)},
	})

	err := h.Init(context.Background())
	if errors.Is(err, upnp.ErrCommunications) {
		t.Skipf("no multicast-capable interface: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Quit() })
	return h
}

func TestHostQuitBeforeInit(t *testing.T) {
	h := NewHost(Config{})
	assert.ErrorIs(t, h.Quit(), upnp.ErrNotStarted)
	assert.Equal(t, Uninitialized, h.State())
}

func TestHostInitEmptyConfig(t *testing.T) {
	h := NewHost(Config{ListenAddr: "127.0.0.1:0"})
	err := h.Init(context.Background())
	assert.ErrorIs(t, err, upnp.ErrInvalidConfiguration)
	assert.Equal(t, Uninitialized, h.State(), "failed init unwinds fully")
	assert.ErrorIs(t, h.Quit(), upnp.ErrNotStarted)
}

func TestHostInitBadDescription(t *testing.T) {
	h := NewHost(Config{
		ListenAddr: "127.0.0.1:0",
		Devices:    []DeviceConfig{{Description: []byte("<broken"), CacheControlMaxAge: 30}},
	})
	err := h.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, Uninitialized, h.State())
}

func TestHostLifecycle(t *testing.T) {
	h := newTestHost(t)
	assert.Equal(t, Initialized, h.State())

	// double init is rejected
	assert.ErrorIs(t, h.Init(context.Background()), upnp.ErrAlreadyInitialized)

	require.NoError(t, h.Quit())
	assert.Equal(t, Uninitialized, h.State())

	// second quit is a no-op returning NotStarted
	assert.ErrorIs(t, h.Quit(), upnp.ErrNotStarted)
}

func TestHostServesDescription(t *testing.T) {
	h := newTestHost(t)

	resp, err := http.Get(h.BaseURL() + "/" + testUDN + "/description.xml")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	result, err := description.ParseDeviceDescription(body, description.ParseOptions{
		Level:   upnp.LevelStrict,
		BaseURL: h.BaseURL(),
	})
	require.NoError(t, err)
	assert.Equal(t, testUDN, result.Device.UDN().String())

	// unknown UDN is a 404
	resp2, err := http.Get(h.BaseURL() + "/uuid:ffffffff-0000-0000-0000-000000000000/description.xml")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHostServesSCPD(t *testing.T) {
	h := newTestHost(t)

	url := fmt.Sprintf("%s/%s/%s/scpd.xml", h.BaseURL(), testUDN, "urn:upnp-org:serviceId:SwitchPower")
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	scpd, err := description.ParseSCPD(body)
	require.NoError(t, err)
	assert.Len(t, scpd.Actions, 1)
	assert.Len(t, scpd.StateVariables, 2)
}

func TestHostControlDispatch(t *testing.T) {
	h := newTestHost(t)

	device := h.Storage().RootDevices()[0]
	hosted := device.ServiceByID("urn:upnp-org:serviceId:SwitchPower", upnp.VisitThisOnly)
	require.NotNil(t, hosted)

	// build a control-point style proxy pointing at the host
	proxy, err := upnp.NewService(upnp.ServiceDefinition{
		ServiceID:   hosted.ID(),
		ServiceType: hosted.ServiceType(),
		ControlURL:  h.BaseURL() + hosted.ControlURL(),
	})
	require.NoError(t, err)
	for _, sv := range hosted.StateVariables() {
		clone, err := upnp.NewStateVariable(sv.Definition())
		require.NoError(t, err)
		require.NoError(t, proxy.AddStateVariable(clone))
	}
	for _, action := range hosted.Actions() {
		args := append(action.InArguments(), action.OutArguments()...)
		clone, err := upnp.NewAction(action.Name(), args, nil)
		require.NoError(t, err)
		require.NoError(t, proxy.AddAction(clone))
	}

	client := soap.NewClient(5 * time.Second)
	in := upnp.NewActionArguments()
	in.Set("NewTargetValue", "1")
	_, err = client.Invoke(context.Background(), proxy, "SetTarget", in)
	require.NoError(t, err)

	// an invalid boolean input maps to fault 600
	in = upnp.NewActionArguments()
	in.Set("NewTargetValue", "maybe")
	_, err = client.Invoke(context.Background(), proxy, "SetTarget", in)
	var actionErr *upnp.ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, upnp.ActionErrorArgumentValueInvalid, actionErr.Code)
}

func TestHostAdvertisementSlots(t *testing.T) {
	h := newTestHost(t)
	require.Len(t, h.advertisers, 1)
	// rootdevice + UDN + device type + service type
	assert.Len(t, h.advertisers[0].Advertisements(), 4)
}

func TestServerToken(t *testing.T) {
	tok, err := upnp.ParseProductTokens(ServerToken())
	require.NoError(t, err)
	assert.True(t, tok.IsValid())
}
