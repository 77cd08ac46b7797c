// Package zpay 实现易支付（ZPay）协议的 MD5 签名
package zpay

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

const SignTypeMD5 = "MD5"

// Sign 过滤空值和 sign/sign_type 后按 key 升序拼成 k=v&k=v，
// 末尾直接拼接商户密钥（不加 &key=），取 MD5 小写
func Sign(params map[string]string, merchantKey string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(merchantKey)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Verify 校验回调参数里的 sign
func Verify(params map[string]string, merchantKey string) bool {
	received := strings.ToLower(params["sign"])
	if received == "" {
		return false
	}
	expected := Sign(params, merchantKey)
	return subtle.ConstantTimeCompare([]byte(received), []byte(expected)) == 1
}

// Verifier 绑定商户密钥的回调验签器
type Verifier struct {
	merchantKey string
}

func NewVerifier(merchantKey string) *Verifier {
	return &Verifier{merchantKey: merchantKey}
}

func (v *Verifier) Verify(params map[string]string) bool {
	return Verify(params, v.merchantKey)
}
