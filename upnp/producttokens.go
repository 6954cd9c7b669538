package upnp

import (
	"fmt"
	"regexp"
	"strings"
)

// ProductToken は、SERVER / USER-AGENT ヘッダ内の `product/version` 1組を表す
type ProductToken struct {
	Product string
	Version string
}

func (t ProductToken) String() string {
	if t.Version == "" {
		return t.Product
	}
	return t.Product + "/" + t.Version
}

// IsValidUPnPToken は、`UPnP/1.0` または `UPnP/1.1` であるかを返す
func (t ProductToken) IsValidUPnPToken() bool {
	return t.Product == "UPnP" && (t.Version == "1.0" || t.Version == "1.1")
}

// ProductTokens は、UDA の文法 `OS/ver UPnP/1.x Product/ver [extra…]` を
// パースした結果を表す
type ProductTokens struct {
	tokens []ProductToken
}

var upnpTokenRe = regexp.MustCompile(`(?:\b|\s)UPnP/(\d+\.\d+)`)

// ParseProductTokens は、SERVER ヘッダの値をパースする。
// 本来の区切りは空白だが、実機互換のためカンマ区切りも再試行し、
// 最後の手段として正規表現で UPnP トークンのみを回収する。
func ParseProductTokens(s string) (ProductTokens, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ProductTokens{}, fmt.Errorf("empty product tokens")
	}

	if pt, ok := parseTokensDelim(s, " "); ok {
		return pt, nil
	}
	// カンマ区切り（非標準だが一部実装が使う）を再試行
	if pt, ok := parseTokensDelim(strings.ReplaceAll(s, ",", " "), " "); ok {
		return pt, nil
	}
	// 正規表現による最後の回収
	if m := upnpTokenRe.FindStringSubmatch(s); m != nil {
		return ProductTokens{tokens: []ProductToken{{Product: "UPnP", Version: m[1]}}}, nil
	}
	return ProductTokens{}, fmt.Errorf("unparsable product tokens: %q", s)
}

func parseTokensDelim(s, delim string) (ProductTokens, bool) {
	var tokens []ProductToken
	var pending string // OS名に空白を含む実装のため、スラッシュなしの断片を連結する
	for _, field := range strings.Split(s, delim) {
		field = strings.Trim(strings.TrimSpace(field), ",")
		if field == "" {
			continue
		}
		product, version, found := strings.Cut(field, "/")
		if !found {
			if pending != "" {
				pending += " "
			}
			pending += product
			continue
		}
		if pending != "" {
			product = pending + " " + product
			pending = ""
		}
		tokens = append(tokens, ProductToken{Product: product, Version: version})
	}
	if pending != "" {
		tokens = append(tokens, ProductToken{Product: pending})
	}
	if len(tokens) == 0 {
		return ProductTokens{}, false
	}
	// UPnP トークンが1つも取れなければこの区切りでは失敗扱い
	pt := ProductTokens{tokens: tokens}
	if pt.UPnPToken() == nil {
		return ProductTokens{}, false
	}
	return pt, true
}

// Tokens は、パースされた全トークンを返す
func (p ProductTokens) Tokens() []ProductToken {
	return p.tokens
}

// UPnPToken は、UPnP トークンを返す。存在しない場合は nil。
func (p ProductTokens) UPnPToken() *ProductToken {
	for i := range p.tokens {
		if p.tokens[i].Product == "UPnP" {
			return &p.tokens[i]
		}
	}
	return nil
}

// IsValid は、UPnP トークンが存在しバージョンが 1.0/1.1 であるかを返す
func (p ProductTokens) IsValid() bool {
	t := p.UPnPToken()
	return t != nil && t.IsValidUPnPToken()
}

func (p ProductTokens) String() string {
	parts := make([]string, len(p.tokens))
	for i, t := range p.tokens {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}
