package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMACAuth 用 API secret 对 query string 做 HMAC-SHA256 签名，
// 签名放入指定 query 参数，API key 放入指定请求头。
// 这是现货/合约所最常见的签名形态；其它形态由 venue 适配层自带 Authenticator。
type HMACAuth struct {
	APIKey    string
	Secret    string
	KeyHeader string // 例如 X-MBX-APIKEY
	SigParam  string // 例如 signature
}

func (a *HMACAuth) Sign(r *Request) error {
	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write([]byte(r.Params.Encode()))
	r.Params.Set(a.SigParam, hex.EncodeToString(mac.Sum(nil)))
	if a.KeyHeader != "" {
		r.Headers.Set(a.KeyHeader, a.APIKey)
	}
	return nil
}
