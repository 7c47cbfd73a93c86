package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
)

const (
	referralAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	ReferralCodeLength = 8
)

var randomSeedSpan = big.NewInt(100_000_000)

// GenerateReferralCode spreads the decimal digits of seed over the 36-symbol
// alphabet: position i takes digit seed[i mod len] plus i*7, modulo 36. It is not
// a hash; uniqueness comes from the unique index and regeneration on conflict.
// Only the first ReferralCodeLength digits of seed can influence the result.
func GenerateReferralCode(seed string) string {
	digits := make([]byte, 0, len(seed))
	for i := 0; i < len(seed); i++ {
		if seed[i] >= '0' && seed[i] <= '9' {
			digits = append(digits, seed[i]-'0')
		}
	}
	if len(digits) == 0 {
		digits = []byte{0}
	}

	code := make([]byte, ReferralCodeLength)
	for i := range code {
		d := int(digits[i%len(digits)])
		code[i] = referralAlphabet[(d+i*7)%len(referralAlphabet)]
	}
	return string(code)
}

// referralSeed picks the seed for a creation attempt. The first attempt for a
// platform identity uses the low-order digits of its numeric id, where ids of
// neighbouring accounts differ; every other attempt draws eight random digits.
func referralSeed(telegramID int64, attempt int) (string, error) {
	if attempt == 0 && telegramID > 0 {
		s := strconv.FormatInt(telegramID, 10)
		if len(s) > ReferralCodeLength {
			s = s[len(s)-ReferralCodeLength:]
		}
		return s, nil
	}
	n, err := rand.Int(rand.Reader, randomSeedSpan)
	if err != nil {
		return "", fmt.Errorf("referral seed: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}
