package controlpoint

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gladhorn/hupnp/upnp"
	"github.com/gladhorn/hupnp/upnp/gena"
)

func init() {
	chi.RegisterMethod("NOTIFY")
}

// router は、NOTIFY 受信サーバのルートを組む
func (cp *ControlPoint) router() http.Handler {
	r := chi.NewRouter()
	r.Method("NOTIFY", "/event", http.HandlerFunc(cp.serveNotify))
	return r
}

// serveNotify は、パブリッシャからの NOTIFY を購読管理へ渡す。
// 未知の SID は 412 Precondition Failed。
func (cp *ControlPoint) serveNotify(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("NT") != gena.NTEvent || r.Header.Get("NTS") != gena.NTSPropChange {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	sid := r.Header.Get("SID")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := cp.subscriber.OnNotify(sid, r.Header.Get("SEQ"), body); err != nil {
		var subErr *upnp.SubscriptionError
		if errors.As(err, &subErr) && subErr.Kind == upnp.SubscriptionPreconditionFailed {
			http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
			return
		}
		slog.Debug("NOTIFY の処理に失敗しました", "sid", sid, "err", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}
