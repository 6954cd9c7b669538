package host

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gladhorn/hupnp/upnp"
	"github.com/gladhorn/hupnp/upnp/description"
	"github.com/gladhorn/hupnp/upnp/soap"
)

func init() {
	// GENA の拡張メソッドをルータに登録する
	chi.RegisterMethod("SUBSCRIBE")
	chi.RegisterMethod("UNSUBSCRIBE")
}

// router は、デバイスホストの URL レイアウトを組む:
//
//	GET       /<udn>/description.xml
//	GET       /<udn>/<service-id>/scpd.xml
//	POST      /<udn>/<service-id>/control
//	SUBSCRIBE /<udn>/<service-id>/event
func (h *Host) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/{udn}/description.xml", h.serveDescription)
	r.Get("/{udn}/{serviceID}/scpd.xml", h.serveSCPD)
	r.Post("/{udn}/{serviceID}/control", h.serveControl)
	r.Method("SUBSCRIBE", "/{udn}/{serviceID}/event", http.HandlerFunc(h.serveEvent))
	r.Method("UNSUBSCRIBE", "/{udn}/{serviceID}/event", http.HandlerFunc(h.serveEvent))
	return r
}

// deviceFromRequest は、URL の UDN セグメントからデバイスを引く
func (h *Host) deviceFromRequest(r *http.Request) *upnp.Device {
	udnParam := chi.URLParam(r, "udn")
	udn, err := upnp.ParseUDN(udnParam, upnp.LevelLenient)
	if err != nil {
		return nil
	}
	return h.storage.DeviceByUDN(udn)
}

// serviceFromRequest は、URL の UDN とサービス ID セグメントからサービスを引く
func (h *Host) serviceFromRequest(r *http.Request) *upnp.Service {
	device := h.deviceFromRequest(r)
	if device == nil {
		return nil
	}
	return device.ServiceByID(chi.URLParam(r, "serviceID"), upnp.VisitThisOnly)
}

func (h *Host) serveDescription(w http.ResponseWriter, r *http.Request) {
	device := h.deviceFromRequest(r)
	if device == nil {
		http.NotFound(w, r)
		return
	}
	data, err := description.BuildDeviceDescription(device.Root())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Header().Set("Server", ServerToken())
	_, _ = w.Write(data)
}

func (h *Host) serveSCPD(w http.ResponseWriter, r *http.Request) {
	svc := h.serviceFromRequest(r)
	if svc == nil {
		http.NotFound(w, r)
		return
	}
	data, err := description.BuildSCPD(svc)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Header().Set("Server", ServerToken())
	_, _ = w.Write(data)
}

func (h *Host) serveControl(w http.ResponseWriter, r *http.Request) {
	svc := h.serviceFromRequest(r)
	if svc == nil {
		http.NotFound(w, r)
		return
	}
	soap.Dispatch(w, r, svc)
}

func (h *Host) serveEvent(w http.ResponseWriter, r *http.Request) {
	svc := h.serviceFromRequest(r)
	if svc == nil {
		http.NotFound(w, r)
		return
	}
	h.publisher.ServeSubscription(w, r, svc)
}
