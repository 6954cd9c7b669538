package soap

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gladhorn/hupnp/upnp"
)

// writeFault は、アクションエラーを SOAP fault として書き出す
func writeFault(w http.ResponseWriter, actionErr *upnp.ActionError) {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Ext", "")
	w.WriteHeader(HTTPStatusForActionError(actionErr))
	_, _ = w.Write(BuildFault(actionErr))
}

// Dispatch は、コントロール URL への POST を処理する。
// エンベロープをパースし、URL で特定されたサービスのアクションを名前で
// 見つけ、入力検証・実行・出力直列化を行う (UDA 1.1 §3.2)。
func Dispatch(w http.ResponseWriter, r *http.Request, svc *upnp.Service) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	call, err := ParseEnvelope(body)
	if err != nil {
		slog.Debug("SOAP エンベロープのパースに失敗", "err", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// SOAPACTION ヘッダがあればボディと矛盾しないか確認する
	if sa := r.Header.Get("SOAPACTION"); sa != "" {
		if _, actionName, err := ParseSOAPAction(sa); err != nil || actionName != call.ActionName {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
	}

	action := svc.Action(call.ActionName)
	if action == nil {
		writeFault(w, upnp.NewActionError(upnp.ActionErrorInvalidAction, ""))
		return
	}

	out, err := action.Invoke(r.Context(), call.Arguments)
	if err != nil {
		var actionErr *upnp.ActionError
		if errors.As(err, &actionErr) {
			writeFault(w, actionErr)
			return
		}
		if errors.Is(err, upnp.ErrDisposed) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		// 分類されないエラーは Action Failed として返す
		writeFault(w, upnp.NewActionError(upnp.ActionErrorActionFailed, err.Error()))
		return
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Ext", "")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(BuildResponse(call.ActionName, svc.ServiceType().String(), out))
}
