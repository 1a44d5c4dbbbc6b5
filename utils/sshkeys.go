package utils

import (
	"fmt"
	"os"
	"strings"
	"time"
)

var (
	NumberOfDialRetries      = 3
	TimeInBetweenDialRetries = 2 * time.Second
	DialTimeOut              = 30 * time.Second
)

// SSHKeyReader reads key material from the filesystem. Tests replace it to
// avoid touching disk.
var SSHKeyReader = func(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// GetSSHKeysFromPath reads and returns the public and private SSH keys from
// the specified path. If the path ends with ".pub", it is assumed to be the
// public key, and the corresponding private key is expected at the same path
// without the ".pub" extension. Missing public keys are tolerated since the
// private key alone is enough to authenticate.
func GetSSHKeysFromPath(path string) (publicKey, privateKey []byte, err error) {
	privPath := strings.TrimSuffix(path, ".pub")
	pubPath := privPath + ".pub"

	privateKey, err = SSHKeyReader(privPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read private key: %w", err)
	}
	publicKey, err = SSHKeyReader(pubPath)
	if err != nil {
		publicKey = nil
	}
	return publicKey, privateKey, nil
}
