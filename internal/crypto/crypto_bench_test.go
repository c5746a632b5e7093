package crypto_test

import (
	"context"
	"testing"

	"github.com/TheMichaelB/weavesync/internal/crypto"
)

func BenchmarkDeriveKey(b *testing.B) {
	provider := crypto.NewProvider()
	salt := randomBytes(b, 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := provider.DeriveKey(context.Background(), []byte("password123"), salt, crypto.PrivateKeyIterations, crypto.PrivateKeyLength)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecryptPayload(b *testing.B) {
	provider := crypto.NewProvider()
	key := randomBytes(b, 32)
	iv := randomBytes(b, 16)
	ct := encryptCBC(b, key, iv, make([]byte, 4096))

	b.SetBytes(int64(len(ct)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.DecryptPayload(provider, key, iv, ct, crypto.CleanupPrintable); err != nil {
			b.Fatal(err)
		}
	}
}
