package volume

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/distr1/plaraefs"
)

func randRead(buf []byte) (int, error) {
	return io.ReadFull(rand.Reader, buf)
}

// wrapKey32 seals masterKey under wrapKey with id as associated data, so a
// header (and its wrapped key) cannot be spliced onto a different volume's
// data blocks.
func wrapKey32(wrapKey, masterKey [32]byte, id uuid.UUID) (nonce [12]byte, sealed [48]byte, err error) {
	block, err := aes.NewCipher(wrapKey[:])
	if err != nil {
		return nonce, sealed, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nonce, sealed, err
	}
	if _, err := randRead(nonce[:]); err != nil {
		return nonce, sealed, err
	}
	out := aead.Seal(nil, nonce[:], masterKey[:], id[:])
	copy(sealed[:], out)
	return nonce, sealed, nil
}

func unwrapKey32(wrapKey [32]byte, nonce [12]byte, sealed [48]byte, id uuid.UUID) ([32]byte, error) {
	var masterKey [32]byte
	block, err := aes.NewCipher(wrapKey[:])
	if err != nil {
		return masterKey, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return masterKey, err
	}
	out, err := aead.Open(nil, nonce[:], sealed[:], id[:])
	if err != nil {
		return masterKey, plaraefs.Wrap(plaraefs.ErrCorruptBlock, "master key unwrap failed: %w", err)
	}
	copy(masterKey[:], out)
	return masterKey, nil
}

func xerrorsIs(err error, target error) bool {
	return errors.Is(err, target)
}
