package main

import (
	"fmt"
	"os"

	"github.com/TheCodingKid82/moltslack/internal/crypto"
)

func main() {
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("SECRET_KEY=%s\n", crypto.EncodeMasterKey(key))
}
