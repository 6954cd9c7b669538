package ssdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageAlive(t *testing.T) {
	raw := BuildAnnouncement(&Announcement{
		Kind:     ResourceAvailable,
		NT:       "upnp:rootdevice",
		USN:      "uuid:00000000-0000-0000-0000-000000000001::upnp:rootdevice",
		Location: "http://192.168.1.10:8080/desc.xml",
		Server:   "Linux/3.14 UPnP/1.0 HUPnP/1.0",
		MaxAge:   1800,
	})

	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	ann, ok := msg.(*Announcement)
	require.True(t, ok)
	assert.Equal(t, ResourceAvailable, ann.Kind)
	assert.Equal(t, "upnp:rootdevice", ann.NT)
	assert.Equal(t, "http://192.168.1.10:8080/desc.xml", ann.Location)
	assert.Equal(t, 1800, ann.MaxAge)
}

func TestParseMessageByeBye(t *testing.T) {
	raw := BuildAnnouncement(&Announcement{
		Kind: ResourceUnavailable,
		NT:   "uuid:00000000-0000-0000-0000-000000000001",
		USN:  "uuid:00000000-0000-0000-0000-000000000001",
	})
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	ann := msg.(*Announcement)
	assert.Equal(t, ResourceUnavailable, ann.Kind)
	assert.Empty(t, ann.Location)
}

func TestParseMessageUpdate(t *testing.T) {
	raw := BuildAnnouncement(&Announcement{
		Kind:     ResourceUpdate,
		NT:       "upnp:rootdevice",
		USN:      "uuid:00000000-0000-0000-0000-000000000001::upnp:rootdevice",
		Location: "http://192.168.1.10:8080/desc.xml",
		MaxAge:   1800,
	})
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, ResourceUpdate, msg.(*Announcement).Kind)
}

func TestParseMessageSearch(t *testing.T) {
	raw := BuildSearchRequest(&SearchRequest{ST: "ssdp:all", MX: 2})
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	req := msg.(*SearchRequest)
	assert.Equal(t, "ssdp:all", req.ST)
	assert.Equal(t, 2, req.MX)
}

func TestParseMessageSearchResponse(t *testing.T) {
	raw := BuildSearchResponse(&SearchResponse{
		ST:       "upnp:rootdevice",
		USN:      "uuid:00000000-0000-0000-0000-000000000001::upnp:rootdevice",
		Location: "http://192.168.1.10:8080/desc.xml",
		Server:   "Linux/3.14 UPnP/1.0 HUPnP/1.0",
		MaxAge:   30,
	})
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	res := msg.(*SearchResponse)
	assert.Equal(t, "upnp:rootdevice", res.ST)
	assert.Equal(t, 30, res.MaxAge)
}

func TestParseMessageMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not http", "hello world"},
		{"bad notify target", "NOTIFY /path HTTP/1.1\r\nNT: x\r\nNTS: ssdp:alive\r\nUSN: y\r\n\r\n"},
		{"missing usn", "NOTIFY * HTTP/1.1\r\nNT: x\r\nNTS: ssdp:alive\r\n\r\n"},
		{"alive without location", "NOTIFY * HTTP/1.1\r\nNT: x\r\nNTS: ssdp:alive\r\nUSN: y\r\n\r\n"},
		{"unknown nts", "NOTIFY * HTTP/1.1\r\nNT: x\r\nNTS: ssdp:unknown\r\nUSN: y\r\n\r\n"},
		{"msearch without man", "M-SEARCH * HTTP/1.1\r\nST: ssdp:all\r\nMX: 2\r\n\r\n"},
		{"msearch without st", "M-SEARCH * HTTP/1.1\r\nMAN: \"ssdp:discover\"\r\nMX: 2\r\n\r\n"},
		{"unknown method", "GET * HTTP/1.1\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseMaxAge(t *testing.T) {
	assert.Equal(t, 1800, parseMaxAge("max-age=1800"))
	assert.Equal(t, 30, parseMaxAge("no-cache, max-age = 30"))
	assert.Equal(t, 0, parseMaxAge("no-cache"))
	assert.Equal(t, 0, parseMaxAge(""))
}

func TestUSNToUDN(t *testing.T) {
	assert.Equal(t, "uuid:x", USNToUDN("uuid:x::upnp:rootdevice"))
	assert.Equal(t, "uuid:x", USNToUDN("uuid:x"))
}

func TestDiscoveryTracker(t *testing.T) {
	tr := NewDiscoveryTracker()
	info := DiscoveryInfo{USN: "uuid:x::upnp:rootdevice", Location: "http://a", MaxAge: 30}

	assert.True(t, tr.ShouldFetch(info), "unknown USN must be fetched")
	assert.False(t, tr.ShouldFetch(info), "same max-age needs no refetch")

	info.MaxAge = 60
	assert.True(t, tr.ShouldFetch(info), "extended max-age triggers refetch")
	info.MaxAge = 30
	assert.False(t, tr.ShouldFetch(info), "shrunk max-age does not")

	tr.Forget("uuid:x::upnp:rootdevice")
	info.MaxAge = 30
	assert.True(t, tr.ShouldFetch(info), "forgotten USN is unknown again")

	tr.ShouldFetch(DiscoveryInfo{USN: "uuid:x::urn:schemas-upnp-org:device:Basic:1", MaxAge: 30})
	tr.ForgetPrefix("uuid:x")
	assert.True(t, tr.ShouldFetch(DiscoveryInfo{USN: "uuid:x::urn:schemas-upnp-org:device:Basic:1", MaxAge: 30}))
}
