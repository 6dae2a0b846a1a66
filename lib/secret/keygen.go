/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package secret

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"sync/atomic"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/cloudshell"
)

type keyPair struct {
	privPem  []byte
	pubBytes []byte
}

// precomputedKeys is a queue of cached keys ready for usage.
var precomputedKeys = make(chan keyPair, 5)

// precomputeTaskStarted is used to start the background task that
// precomputes key pairs. This may only ever be accessed atomically.
var precomputeTaskStarted int32

func generateKeyPairImpl() ([]byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, cloudshell.RSAKeySize)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	privBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	privPem := pem.EncodeToMemory(privBlock)

	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	pubBytes := ssh.MarshalAuthorizedKey(pub)
	return privPem, pubBytes, nil
}

func replenishKeys() {
	// Mark the task as stopped.
	defer atomic.StoreInt32(&precomputeTaskStarted, 0)

	for {
		priv, pub, err := generateKeyPairImpl()
		if err != nil {
			log.Errorf("Failed to generate key pair: %v.", err)
			return
		}

		precomputedKeys <- keyPair{priv, pub}
	}
}

// GenerateKeyPair returns a fresh RSA-4096 keypair as an unencrypted
// OpenSSH PEM private key and an authorized_keys public line. Takes
// seconds to execute in the worst case; repeat callers are served from
// a precomputed queue.
func GenerateKeyPair() ([]byte, []byte, error) {
	// Start the background task to replenish the queue of precomputed
	// keys. It is only started once this function is called to avoid
	// spending CPU just by pulling in this package.
	if atomic.SwapInt32(&precomputeTaskStarted, 1) == 0 {
		go replenishKeys()
	}

	select {
	case k := <-precomputedKeys:
		return k.privPem, k.pubBytes, nil
	default:
		return generateKeyPairImpl()
	}
}
