package soap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gladhorn/hupnp/upnp"
)

// Client は、コントロールポイント側のアクション呼び出しを行う
type Client struct {
	HTTPClient *http.Client
}

// NewClient は、タイムアウト付きの SOAP クライアントを作成する
func NewClient(timeout time.Duration) *Client {
	return &Client{HTTPClient: &http.Client{Timeout: timeout}}
}

// Invoke は、サービスのアクションを SOAP で呼び出す。
// 入力は宣言順でエンベロープに直列化され、出力は宣言順で取り出して
// 型検証の上で返す。SOAP fault は *upnp.ActionError として返る。
func (c *Client) Invoke(ctx context.Context, svc *upnp.Service, actionName string, in *upnp.ActionArguments) (*upnp.ActionArguments, error) {
	action := svc.Action(actionName)
	if action == nil {
		return nil, upnp.NewActionError(upnp.ActionErrorInvalidAction, "")
	}
	if in == nil {
		in = upnp.NewActionArguments()
	}

	// 宣言順に入力を並べ替える。不足はエラー。
	ordered := upnp.NewActionArguments()
	for _, arg := range action.InArguments() {
		v, ok := in.Get(arg.Name)
		if !ok {
			return nil, upnp.NewActionError(upnp.ActionErrorInvalidArgs,
				fmt.Sprintf("missing input argument %q", arg.Name))
		}
		ordered.Set(arg.Name, v)
	}

	serviceType := svc.ServiceType().String()
	body := BuildRequest(action, serviceType, ordered)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.ControlURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("SOAPACTION", SOAPAction(serviceType, actionName))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", actionName, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", actionName, err)
	}

	if resp.StatusCode != http.StatusOK {
		if fault, ferr := ParseFault(respBody); ferr == nil && fault != nil {
			return nil, fault
		}
		return nil, fmt.Errorf("action %s: unexpected status %d", actionName, resp.StatusCode)
	}

	call, err := ParseEnvelope(respBody)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", actionName, err)
	}

	// 出力を宣言順に取り出し、関連状態変数の型で検証する
	out := upnp.NewActionArguments()
	for _, arg := range action.OutArguments() {
		v, ok := call.Arguments.Get(arg.Name)
		if !ok {
			return nil, fmt.Errorf("action %s: response missing output argument %q", actionName, arg.Name)
		}
		if sv := svc.StateVariable(arg.RelatedStateVariable); sv != nil {
			if err := sv.Type().Validate(v); err != nil {
				return nil, fmt.Errorf("action %s: output %q: %w", actionName, arg.Name, err)
			}
		}
		out.Set(arg.Name, v)
	}
	return out, nil
}
