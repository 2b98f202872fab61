package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/haasonsaas/memvault/internal/kms"
	"github.com/haasonsaas/memvault/internal/memerr"
)

// staticKeyManager wraps keys by XOR with a fixed pad, enough to prove
// round trips without a key service.
type staticKeyManager struct {
	generated int
}

var _ kms.KeyManager = (*staticKeyManager)(nil)

func (m *staticKeyManager) GenerateDataKey(_ context.Context) (*kms.DataKey, error) {
	m.generated++
	plaintext := make([]byte, kms.DataKeySize)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, err
	}
	return &kms.DataKey{Plaintext: plaintext, Wrapped: wrap(plaintext)}, nil
}

func (m *staticKeyManager) DecryptDataKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return wrap(wrapped), nil
}

func (m *staticKeyManager) Close() error { return nil }

func wrap(b []byte) []byte {
	out := make([]byte, len(b))
	for i, x := range b {
		out[i] = x ^ 0x5a
	}
	return out
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	km := &staticKeyManager{}
	ctx := context.Background()

	tests := []struct {
		name string
		size int
	}{
		{"one byte", 1},
		{"block aligned", 64},
		{"unaligned", 1000},
		{"ten megabytes", 10 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaintext := make([]byte, tt.size)
			if _, err := rand.Read(plaintext); err != nil {
				t.Fatal(err)
			}

			env, err := Encrypt(ctx, km, plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if bytes.Contains(env.Ciphertext, plaintext[:min(tt.size, 32)]) {
				t.Error("ciphertext contains plaintext prefix")
			}

			got, err := Decrypt(ctx, km, env)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Error("round trip lost data")
			}
		})
	}
}

func TestEncryptFreshKeyPerDocument(t *testing.T) {
	km := &staticKeyManager{}
	ctx := context.Background()

	env1, err := Encrypt(ctx, km, []byte("same content"))
	if err != nil {
		t.Fatal(err)
	}
	env2, err := Encrypt(ctx, km, []byte("same content"))
	if err != nil {
		t.Fatal(err)
	}

	if km.generated != 2 {
		t.Errorf("generated %d keys, want one per Encrypt", km.generated)
	}
	if bytes.Equal(env1.Ciphertext, env2.Ciphertext) {
		t.Error("identical ciphertext for separate encryptions")
	}
	if bytes.Equal(env1.IV, env2.IV) {
		t.Error("IV reused across encryptions")
	}
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	_, err := Encrypt(context.Background(), &staticKeyManager{}, nil)
	if memerr.KindOf(err) != memerr.KindValidation {
		t.Errorf("Encrypt(nil) error = %v, want validation", err)
	}
}

func TestDecryptRejectsTamperedEnvelope(t *testing.T) {
	km := &staticKeyManager{}
	ctx := context.Background()

	env, err := Encrypt(ctx, km, []byte("sensitive document body"))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("truncated ciphertext", func(t *testing.T) {
		bad := *env
		bad.Ciphertext = env.Ciphertext[:len(env.Ciphertext)-1]
		if _, err := Decrypt(ctx, km, &bad); memerr.KindOf(err) != memerr.KindValidation {
			t.Errorf("error = %v, want validation", err)
		}
	})

	t.Run("short iv", func(t *testing.T) {
		bad := *env
		bad.IV = env.IV[:8]
		if _, err := Decrypt(ctx, km, &bad); memerr.KindOf(err) != memerr.KindValidation {
			t.Errorf("error = %v, want validation", err)
		}
	})

	t.Run("nil envelope", func(t *testing.T) {
		if _, err := Decrypt(ctx, km, nil); memerr.KindOf(err) != memerr.KindValidation {
			t.Errorf("error = %v, want validation", err)
		}
	})
}

func TestPKCS7(t *testing.T) {
	for size := 0; size < 40; size++ {
		data := bytes.Repeat([]byte{0xab}, size)
		padded := pkcs7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("size %d: padded length %d not block aligned", size, len(padded))
		}
		got, err := pkcs7Unpad(padded, 16)
		if err != nil {
			t.Fatalf("size %d: unpad error %v", size, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("size %d: unpad mismatch", size)
		}
	}
}

func TestPKCS7UnpadRejectsGarbage(t *testing.T) {
	bad := [][]byte{
		{},
		bytes.Repeat([]byte{0}, 16),    // zero padding byte
		bytes.Repeat([]byte{17}, 16),   // padding > block size
		append(bytes.Repeat([]byte{1}, 14), 2, 3), // inconsistent run
	}
	for i, data := range bad {
		if _, err := pkcs7Unpad(data, 16); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
