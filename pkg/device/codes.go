// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// DefaultUserCodeAlphabet avoids vowels so random codes cannot spell
// words. RFC 8628 recommends a set like this over raw base32.
const DefaultUserCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// userCodeEntropyBits is the floor on effective user_code entropy.
const userCodeEntropyBits = 128

// deviceCodeBytes gives the opaque device_code 256 bits of entropy.
const deviceCodeBytes = 32

// minUserCodeLength is the shortest code over the alphabet that still
// clears the entropy floor: 30 characters for the 20-letter default.
func minUserCodeLength(alphabet string) int {
	return int(math.Ceil(userCodeEntropyBits / math.Log2(float64(len(alphabet)))))
}

func newDeviceCode() (string, error) {
	raw := make([]byte, deviceCodeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate device code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// newUserCode draws length characters from the alphabet. The stored
// form carries no grouping; FormatUserCode adds it for display.
func newUserCode(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// FormatUserCode adds grouping dashes for display: groups of five for
// longer codes, a single middle dash for short even-length ones
// (WDJB-MJHT style).
func FormatUserCode(code string) string {
	if len(code) >= 10 && len(code)%5 == 0 {
		groups := make([]string, 0, len(code)/5)
		for i := 0; i < len(code); i += 5 {
			groups = append(groups, code[i:i+5])
		}
		return strings.Join(groups, "-")
	}
	if len(code) >= 6 && len(code)%2 == 0 {
		half := len(code) / 2
		return code[:half] + "-" + code[half:]
	}
	return code
}

// NormalizeUserCode removes grouping characters and upper-cases, so
// user input matches regardless of formatting.
func NormalizeUserCode(code string) string {
	code = strings.ToUpper(code)
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}
