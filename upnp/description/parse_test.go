package description

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladhorn/hupnp/upnp"
)

const testDeviceXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>1</minor></specVersion>
  <device>
    <deviceType>urn:schemas-upnp-org:device:BinaryLight:1</deviceType>
    <friendlyName>Kitchen Light</friendlyName>
    <manufacturer>Acme</manufacturer>
    <modelName>BL-100</modelName>
    <UDN>uuid:00000000-0000-0000-0000-000000000001</UDN>
    <iconList>
      <icon>
        <mimetype>image/png</mimetype>
        <width>48</width><height>48</height><depth>24</depth>
        <url>/icon.png</url>
      </icon>
    </iconList>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:SwitchPower:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:SwitchPower</serviceId>
        <SCPDURL>/switch/scpd.xml</SCPDURL>
        <controlURL>/switch/control</controlURL>
        <eventSubURL>/switch/event</eventSubURL>
      </service>
    </serviceList>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:DimmableLight:1</deviceType>
        <friendlyName>Dimmer</friendlyName>
        <manufacturer>Acme</manufacturer>
        <modelName>DL-1</modelName>
        <UDN>uuid:00000000-0000-0000-0000-000000000002</UDN>
      </device>
    </deviceList>
  </device>
</root>`

const testSCPDXML = `<?xml version="1.0"?>
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
    <action>
      <name>GetStatus</name>
      <argumentList>
        <argument>
          <name>ResultStatus</name>
          <direction>out</direction>
          <retval/>
          <relatedStateVariable>Status</relatedStateVariable>
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

func TestParseDeviceDescription(t *testing.T) {
	result, err := ParseDeviceDescription([]byte(testDeviceXML), ParseOptions{
		Level:   upnp.LevelStrict,
		BaseURL: "http://192.168.1.10:8080/desc.xml",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Device)
	assert.Empty(t, result.Warnings)

	d := result.Device
	assert.Equal(t, "Kitchen Light", d.FriendlyName())
	assert.Equal(t, "urn:schemas-upnp-org:device:BinaryLight:1", d.DeviceType().String())
	assert.Len(t, d.EmbeddedDevices(upnp.VisitThisRecursively), 2)

	svc := d.ServiceByID("urn:upnp-org:serviceId:SwitchPower", upnp.VisitThisOnly)
	require.NotNil(t, svc)
	assert.Equal(t, "http://192.168.1.10:8080/switch/scpd.xml", svc.SCPDURL(), "URLs resolve against the base")
	assert.Equal(t, "http://192.168.1.10:8080/switch/control", svc.ControlURL())
	assert.Equal(t, "http://192.168.1.10:8080/switch/event", svc.EventSubURL())

	require.Len(t, d.Info().Icons, 1)
	assert.Equal(t, "http://192.168.1.10:8080/icon.png", d.Info().Icons[0].URL)
}

func TestParseDeviceDescriptionMandatoryElements(t *testing.T) {
	for _, missing := range []string{"deviceType", "friendlyName", "manufacturer", "modelName", "UDN"} {
		t.Run(missing, func(t *testing.T) {
			var broken string
			switch missing {
			case "deviceType":
				broken = strings.Replace(testDeviceXML, "<deviceType>urn:schemas-upnp-org:device:BinaryLight:1</deviceType>", "", 1)
			case "friendlyName":
				broken = strings.Replace(testDeviceXML, "<friendlyName>Kitchen Light</friendlyName>", "", 1)
			case "manufacturer":
				broken = strings.Replace(testDeviceXML, "<manufacturer>Acme</manufacturer>", "", 1)
			case "modelName":
				broken = strings.Replace(testDeviceXML, "<modelName>BL-100</modelName>", "", 1)
			case "UDN":
				broken = strings.Replace(testDeviceXML, "<UDN>uuid:00000000-0000-0000-0000-000000000001</UDN>", "", 1)
			}
			_, err := ParseDeviceDescription([]byte(broken), ParseOptions{BaseURL: "http://x/"})
			var descErr *upnp.DescriptionError
			require.ErrorAs(t, err, &descErr)
			assert.False(t, descErr.Service)
			assert.Contains(t, descErr.Reason, missing)
		})
	}
}

func TestParseDeviceDescriptionUDNLevels(t *testing.T) {
	mixedCase := strings.Replace(testDeviceXML,
		"uuid:00000000-0000-0000-0000-000000000001",
		"uuid:ABCDEF00-0000-0000-0000-000000000001", 1)

	_, err := ParseDeviceDescription([]byte(mixedCase), ParseOptions{Level: upnp.LevelStrict, BaseURL: "http://x/"})
	assert.Error(t, err, "strict level rejects uppercase UDN")

	_, err = ParseDeviceDescription([]byte(mixedCase), ParseOptions{Level: upnp.LevelLenient, BaseURL: "http://x/"})
	assert.NoError(t, err, "lenient level accepts uppercase UDN")
}

func TestParseDeviceDescriptionWarnings(t *testing.T) {
	long := strings.Replace(testDeviceXML, "Kitchen Light", strings.Repeat("x", 65), 1)
	long = strings.Replace(long, "<UDN>", "<UPC>12345</UPC><UDN>", 1)

	result, err := ParseDeviceDescription([]byte(long), ParseOptions{Level: upnp.LevelStrict, BaseURL: "http://x/"})
	require.NoError(t, err, "size and UPC violations are warnings, not errors")
	require.Len(t, result.Warnings, 2)
}

func TestParseDeviceDescriptionUPC(t *testing.T) {
	for upc, ok := range map[string]bool{
		"123456789012":  true,
		"123456 789012": true,
		"123456-789012": true,
		"12345":         false,
		"1234567890123": false,
		"abcdefghijkl":  false,
	} {
		withUPC := strings.Replace(testDeviceXML, "<UDN>", "<UPC>"+upc+"</UPC><UDN>", 1)
		result, err := ParseDeviceDescription([]byte(withUPC), ParseOptions{Level: upnp.LevelStrict, BaseURL: "http://x/"})
		require.NoError(t, err)
		if ok {
			assert.Empty(t, result.Warnings, "UPC %q should be accepted", upc)
		} else {
			assert.NotEmpty(t, result.Warnings, "UPC %q should warn", upc)
		}
	}
}

func TestParseDeviceDescriptionBadNamespace(t *testing.T) {
	bad := strings.Replace(testDeviceXML, "urn:schemas-upnp-org:device-1-0", "urn:other", 1)
	_, err := ParseDeviceDescription([]byte(bad), ParseOptions{BaseURL: "http://x/"})
	assert.Error(t, err)
}

func TestParseDeviceDescriptionIncompleteService(t *testing.T) {
	bad := strings.Replace(testDeviceXML, "<controlURL>/switch/control</controlURL>", "", 1)
	_, err := ParseDeviceDescription([]byte(bad), ParseOptions{BaseURL: "http://x/"})
	var descErr *upnp.DescriptionError
	require.ErrorAs(t, err, &descErr)
	assert.Contains(t, descErr.Reason, "controlURL")
}

func TestParseSCPD(t *testing.T) {
	scpd, err := ParseSCPD([]byte(testSCPDXML))
	require.NoError(t, err)
	require.Len(t, scpd.StateVariables, 2)
	require.Len(t, scpd.Actions, 2)

	assert.Equal(t, "Target", scpd.StateVariables[0].Name)
	assert.Equal(t, upnp.EventingNo, scpd.StateVariables[0].Eventing)
	assert.Equal(t, upnp.EventingYes, scpd.StateVariables[1].Eventing)

	get := scpd.Actions[1]
	require.Len(t, get.Arguments, 1)
	assert.True(t, get.Arguments[0].RetVal)
	assert.Equal(t, upnp.ArgumentOut, get.Arguments[0].Direction)
}

func TestParseSCPDUnknownStateVariableRef(t *testing.T) {
	bad := strings.Replace(testSCPDXML, "<relatedStateVariable>Target</relatedStateVariable>",
		"<relatedStateVariable>Bogus</relatedStateVariable>", 1)
	_, err := ParseSCPD([]byte(bad))
	var descErr *upnp.DescriptionError
	require.ErrorAs(t, err, &descErr)
	assert.True(t, descErr.Service)
	assert.Contains(t, descErr.Reason, "Bogus")
}

func TestParseSCPDRangeValidation(t *testing.T) {
	withRange := strings.Replace(testSCPDXML, `<dataType>boolean</dataType>
      <defaultValue>0</defaultValue>
    </stateVariable>
    <stateVariable sendEvents="yes">`,
		`<dataType>ui1</dataType>
      <allowedValueRange><minimum>10</minimum><maximum>5</maximum></allowedValueRange>
    </stateVariable>
    <stateVariable sendEvents="yes">`, 1)
	_, err := ParseSCPD([]byte(withRange))
	assert.Error(t, err, "min > max is rejected")

	withBadStep := strings.Replace(testSCPDXML, `<dataType>boolean</dataType>
      <defaultValue>0</defaultValue>
    </stateVariable>
    <stateVariable sendEvents="yes">`,
		`<dataType>ui1</dataType>
      <allowedValueRange><minimum>0</minimum><maximum>10</maximum><step>0</step></allowedValueRange>
    </stateVariable>
    <stateVariable sendEvents="yes">`, 1)
	_, err = ParseSCPD([]byte(withBadStep))
	assert.Error(t, err, "step <= 0 is rejected")
}

func TestApplySCPDAndRoundTrip(t *testing.T) {
	st, err := upnp.ParseResourceType("urn:schemas-upnp-org:service:SwitchPower:1")
	require.NoError(t, err)
	svc, err := upnp.NewService(upnp.ServiceDefinition{
		ServiceID:   "urn:upnp-org:serviceId:SwitchPower",
		ServiceType: st,
		SCPDURL:     "/scpd.xml",
		ControlURL:  "/control",
		EventSubURL: "/event",
	})
	require.NoError(t, err)

	scpd, err := ParseSCPD([]byte(testSCPDXML))
	require.NoError(t, err)
	require.NoError(t, ApplySCPD(svc, scpd, nil))

	assert.NotNil(t, svc.Action("SetTarget"))
	assert.NotNil(t, svc.StateVariable("Status"))
	assert.True(t, svc.IsEvented())

	// build the SCPD back, re-parse it, and deep-compare the definitions
	rebuilt, err := BuildSCPD(svc)
	require.NoError(t, err)
	scpd2, err := ParseSCPD(rebuilt)
	require.NoError(t, err)
	if diff := cmp.Diff(scpd, scpd2); diff != "" {
		t.Errorf("SCPD round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDeviceDescriptionRoundTrip(t *testing.T) {
	result, err := ParseDeviceDescription([]byte(testDeviceXML), ParseOptions{
		Level:   upnp.LevelStrict,
		BaseURL: "http://192.168.1.10:8080/",
	})
	require.NoError(t, err)

	data, err := BuildDeviceDescription(result.Device)
	require.NoError(t, err)

	result2, err := ParseDeviceDescription(data, ParseOptions{
		Level:   upnp.LevelStrict,
		BaseURL: "http://192.168.1.10:8080/",
	})
	require.NoError(t, err)
	assert.Equal(t, result.Device.UDN().String(), result2.Device.UDN().String())
	assert.Len(t, result2.Device.EmbeddedDevices(upnp.VisitThisRecursively), 2)
	assert.NotNil(t, result2.Device.ServiceByID("urn:upnp-org:serviceId:SwitchPower", upnp.VisitThisOnly))
}

func TestComposeLocation(t *testing.T) {
	udn, err := upnp.ParseUDN("uuid:00000000-0000-0000-0000-000000000001", upnp.LevelStrict)
	require.NoError(t, err)

	assert.Equal(t, "http://h:1/uuid:00000000-0000-0000-0000-000000000001",
		ComposeLocation("http://h:1", udn, true))
	assert.Equal(t, "http://h:1/uuid:00000000-0000-0000-0000-000000000001",
		ComposeLocation("http://h:1/", udn, true))
	assert.Equal(t, "http://h:1", ComposeLocation("http://h:1", udn, false))
}
