package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"runtime"
)

// DeriveKey derives keyLen bytes from passphrase and salt with
// PBKDF2-HMAC-SHA1. Every p.chunk inner iterations it checks ctx and hands
// the processor back to the scheduler.
func (p *CryptoProvider) DeriveKey(ctx context.Context, passphrase, salt []byte, iterations, keyLen int) ([]byte, error) {
	if iterations < 1 {
		return nil, fmt.Errorf("pbkdf2: iterations must be positive, got %d", iterations)
	}
	if keyLen < 1 {
		return nil, fmt.Errorf("pbkdf2: key length must be positive, got %d", keyLen)
	}

	prf := hmac.New(sha1.New, passphrase)
	hashLen := prf.Size()
	numBlocks := (keyLen + hashLen - 1) / hashLen

	var counter [4]byte
	dk := make([]byte, 0, numBlocks*hashLen)
	u := make([]byte, hashLen)
	rounds := 0

	for block := 1; block <= numBlocks; block++ {
		// U1 = PRF(P, S || INT(i))
		prf.Reset()
		prf.Write(salt)
		binary.BigEndian.PutUint32(counter[:], uint32(block))
		prf.Write(counter[:])
		dk = prf.Sum(dk)

		t := dk[len(dk)-hashLen:]
		copy(u, t)

		for n := 2; n <= iterations; n++ {
			rounds++
			if rounds%p.chunk == 0 {
				if err := yield(ctx); err != nil {
					return nil, err
				}
			}

			prf.Reset()
			prf.Write(u)
			u = prf.Sum(u[:0])
			for x := range u {
				t[x] ^= u[x]
			}
		}
	}

	return dk[:keyLen], nil
}

func yield(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	runtime.Gosched()
	return nil
}
