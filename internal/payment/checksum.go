package payment

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// プロバイダ仕様のチェックサム。
// sha256(token + "1"/"0" + api_key) の16進表現。
func ComputeChecksum(token string, paid bool, apiKey string) string {
	bit := "0"
	if paid {
		bit = "1"
	}
	sum := sha256.Sum256([]byte(token + bit + apiKey))
	return hex.EncodeToString(sum[:])
}

// payment_statusはbool/数値/文字列のどれでも来るので、
// ハッシュ前にboolへ正規化してから照合する。
func VerifyChecksum(token string, status interface{}, checksum string, apiKey string) bool {
	paid, _ := NormalizePaymentStatus(status)
	want := ComputeChecksum(token, paid, apiKey)
	got := strings.ToLower(strings.TrimSpace(checksum))
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// プロバイダのpayment_statusを三値（paid/failed/unknown）へ正規化する。
// 戻り値: (paidか, 判定できたか)
func NormalizePaymentStatus(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		if t == 1 {
			return true, true
		}
		if t == 0 {
			return false, true
		}
		return false, false
	case int:
		if t == 1 {
			return true, true
		}
		if t == 0 {
			return false, true
		}
		return false, false
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "paid", "success", "ok", "completed":
			return true, true
		case "0", "false", "failed", "unpaid", "error", "cancelled", "canceled":
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}
