// Package crypto encrypts document content with envelope encryption:
// AES-256-CBC under a per-document data key, the data key wrapped by
// the key service. Plaintext data keys are zeroed as soon as the
// operation completes.
package crypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/haasonsaas/memvault/internal/kms"
	"github.com/haasonsaas/memvault/internal/memerr"
)

// Envelope is encrypted content together with everything needed to
// decrypt it, except the master key.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	WrappedKey []byte `json:"wrapped_key"`
	IV         []byte `json:"iv"`
}

// Encrypt encrypts plaintext under a fresh data key from the key
// manager.
func Encrypt(ctx context.Context, km kms.KeyManager, plaintext []byte) (*Envelope, error) {
	if len(plaintext) == 0 {
		return nil, memerr.New(memerr.KindValidation, "plaintext is empty")
	}

	key, err := km.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	iv, ciphertext, err := encryptCBC(key.Plaintext, plaintext)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Ciphertext: ciphertext,
		WrappedKey: key.Wrapped,
		IV:         iv,
	}, nil
}

// Decrypt unwraps the envelope's data key and decrypts the content.
func Decrypt(ctx context.Context, km kms.KeyManager, env *Envelope) ([]byte, error) {
	if env == nil || len(env.Ciphertext) == 0 {
		return nil, memerr.New(memerr.KindValidation, "envelope is empty")
	}

	key, err := km.DecryptDataKey(ctx, env.WrappedKey)
	if err != nil {
		return nil, err
	}
	defer kms.Zeroize(key)

	return decryptCBC(key, env.IV, env.Ciphertext)
}

// encryptCBC encrypts plaintext with AES-CBC and PKCS7 padding under a
// random IV.
func encryptCBC(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, memerr.Wrap(err, memerr.KindValidation, "create cipher")
	}

	iv = make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, memerr.Wrap(err, memerr.KindStorage, "generate iv")
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return iv, ciphertext, nil
}

// decryptCBC reverses encryptCBC.
func decryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindValidation, "create cipher")
	}
	if len(iv) != aes.BlockSize {
		return nil, memerr.Newf(memerr.KindValidation, "iv is %d bytes, want %d", len(iv), aes.BlockSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, memerr.New(memerr.KindValidation, "ciphertext is not block-aligned")
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, memerr.New(memerr.KindValidation, "invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, memerr.New(memerr.KindValidation, "invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, memerr.New(memerr.KindValidation, "invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
