package mls

import (
	"fmt"
	"testing"
)

func TestRepro(t *testing.T) {
	cred := newTestCredential(t, "alice")
	cik, err := NewClientInitKey([]byte("cik secret"), []CipherSuite{P256_AES128GCM_SHA256_P256}, cred)
	fmt.Println(cik, err)
}
