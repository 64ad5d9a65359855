package cassette

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
)

// TagPrefix prefixes every integrity tag.
const TagPrefix = "hmac-sha256:"

// Sealer computes and checks integrity tags. The key lives in a memguard
// enclave and is only decrypted for the duration of one MAC.
type Sealer struct {
	enclave *memguard.Enclave
}

// NewSealer takes ownership of secret and wipes it. An empty secret yields nil,
// which tags nothing and verifies nothing.
func NewSealer(secret []byte) *Sealer {
	if len(secret) == 0 {
		return nil
	}
	return &Sealer{enclave: memguard.NewEnclave(secret)}
}

// Tag returns the integrity tag for payload.
func (s *Sealer) Tag(payload []byte) (string, error) {
	sum, err := s.mac(payload)
	if err != nil {
		return "", err
	}
	return TagPrefix + hex.EncodeToString(sum), nil
}

// Check reports whether tag is valid for payload.
func (s *Sealer) Check(payload []byte, tag string) (bool, error) {
	encoded, ok := strings.CutPrefix(tag, TagPrefix)
	if !ok {
		return false, nil
	}
	want, err := hex.DecodeString(encoded)
	if err != nil {
		return false, nil
	}
	got, err := s.mac(payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal(got, want), nil
}

func (s *Sealer) mac(payload []byte) ([]byte, error) {
	key, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open integrity key: %w", err)
	}
	defer key.Destroy()

	h := hmac.New(sha256.New, key.Bytes())
	h.Write(payload)
	return h.Sum(nil), nil
}
