package crypto_test

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/TheMichaelB/weavesync/internal/crypto"
)

func ExampleProvider_DeriveKey() {
	provider := crypto.NewProvider()

	key, err := provider.DeriveKey(context.Background(), []byte("password"), []byte("salt"), 4096, 20)
	if err != nil {
		panic(err)
	}

	fmt.Println(hex.EncodeToString(key))
	// Output: 4b007901b765489abead49d926f721d065a429c1
}

func ExampleClearify() {
	fmt.Printf("%q\n", crypto.Clearify([]byte("{\"a\":1}\x09\x09\x09")))
	// Output: "{\"a\":1}"
}
