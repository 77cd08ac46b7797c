package zpay

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestSignCanonicalString(t *testing.T) {
	params := map[string]string{
		"pid":          "1001",
		"type":         "alipay",
		"out_trade_no": "PAY20240101000000000001",
		"money":        "0.99",
		"name":         "500 积分",
		"param":        "",
		"sign":         "ignored",
		"sign_type":    "MD5",
	}

	want := md5Hex("money=0.99&name=500 积分&out_trade_no=PAY20240101000000000001&pid=1001&type=alipaykey")
	assert.Equal(t, want, Sign(params, "key"))
}

func TestVerify(t *testing.T) {
	params := map[string]string{
		"pid":          "1001",
		"out_trade_no": "PAY1",
		"trade_no":     "T1",
		"trade_status": "TRADE_SUCCESS",
		"money":        "2.90",
	}
	params["sign"] = Sign(params, "key")
	params["sign_type"] = SignTypeMD5

	v := NewVerifier("key")
	assert.True(t, v.Verify(params))

	unsigned := map[string]string{}
	for k, val := range params {
		unsigned[k] = val
	}
	delete(unsigned, "sign")
	assert.False(t, v.Verify(unsigned))

	params["money"] = "0.01"
	assert.False(t, v.Verify(params))

	assert.False(t, Verify(map[string]string{"money": "1"}, "key"))
	assert.False(t, NewVerifier("other").Verify(map[string]string{"sign": Sign(map[string]string{"a": "1"}, "key"), "a": "1"}))
}
