package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
)

// SelfTest exercises every primitive once. Callers must refuse to start
// when it fails.
func SelfTest() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"ed25519", selfTestSignatures},
		{"x25519-hkdf", selfTestKeyAgreement},
		{"chacha20poly1305", selfTestAEAD},
		{"hmac-sha256", selfTestMAC},
	}
	for _, c := range checks {
		if err := c.fn(); err != nil {
			log.WithFields(logger.Fields{
				"at":    "SelfTest",
				"check": c.name,
			}).WithError(err).Error("Crypto self-test failed")
			return oops.Wrapf(errors.Join(ErrSelfTestFailed, err), "check %s", c.name)
		}
	}
	log.Debug("Crypto self-test passed")
	return nil
}

func selfTestSignatures() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	msg := []byte("agentmesh self-test")
	sig := Sign(priv, msg)
	if !bytes.Equal(sig, Sign(priv, msg)) {
		return oops.Errorf("signatures are not deterministic")
	}
	if !Verify(pub, msg, sig) {
		return oops.Errorf("valid signature rejected")
	}
	if Verify(pub, []byte("tampered"), sig) {
		return oops.Errorf("forged signature accepted")
	}
	return nil
}

func selfTestKeyAgreement() error {
	a, err := GenerateEphemeral()
	if err != nil {
		return err
	}
	b, err := GenerateEphemeral()
	if err != nil {
		return err
	}
	salt, info := []byte("salt"), []byte("info")
	ka, err := DeriveSessionKey(a, b.Public[:], salt, info)
	if err != nil {
		return err
	}
	kb, err := DeriveSessionKey(b, a.Public[:], salt, info)
	if err != nil {
		return err
	}
	if ka != kb {
		return oops.Errorf("key agreement mismatch")
	}
	return nil
}

func selfTestAEAD() error {
	var key SessionKey
	if _, err := rand.Read(key[:]); err != nil {
		return err
	}
	plaintext, ad := []byte("payload"), []byte("ad")
	sealed, err := Encrypt(key, plaintext, ad)
	if err != nil {
		return err
	}
	opened, err := Decrypt(key, sealed, ad)
	if err != nil {
		return err
	}
	if !bytes.Equal(opened, plaintext) {
		return oops.Errorf("aead round trip mismatch")
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := Decrypt(key, sealed, ad); !errors.Is(err, ErrAuthenticationFailed) {
		return oops.Errorf("tampered ciphertext accepted")
	}
	return nil
}

func selfTestMAC() error {
	var key SessionKey
	if _, err := rand.Read(key[:]); err != nil {
		return err
	}
	mac := MAC(key, []byte("a"), []byte("b"))
	if !VerifyMAC(key, mac, []byte("ab")) {
		return oops.Errorf("mac mismatch")
	}
	if VerifyMAC(key, mac, []byte("ac")) {
		return oops.Errorf("wrong mac accepted")
	}
	return nil
}
