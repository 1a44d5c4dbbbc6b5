package cmd

import (
	"fmt"
	"net"

	"github.com/cenkalti/backoff/v4"

	"github.com/bacalhau-project/sshwrap"
	"github.com/bacalhau-project/sshwrap/engine/xssh"
	"github.com/bacalhau-project/sshwrap/logger"
	"github.com/bacalhau-project/sshwrap/utils"
)

// dialWithRetry dials the target with a constant backoff, matching the retry
// budget used for key-based provisioning elsewhere.
func dialWithRetry(addr string) (net.Conn, error) {
	var conn net.Conn
	operation := func() error {
		var err error
		conn, err = net.DialTimeout("tcp", addr, utils.DialTimeOut)
		return err
	}
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(utils.TimeInBetweenDialRetries),
		uint64(utils.NumberOfDialRetries),
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return conn, nil
}

// connect dials the configured host, handshakes and authenticates. The
// caller owns both the session and the connection.
func connect() (*sshwrap.Session, net.Conn, error) {
	log := logger.Get()
	if sshHost == "" {
		return nil, nil, fmt.Errorf("no host configured")
	}
	if sshUser == "" {
		return nil, nil, fmt.Errorf("no user configured")
	}
	addr := net.JoinHostPort(sshHost, fmt.Sprintf("%d", sshPort))
	conn, err := dialWithRetry(addr)
	if err != nil {
		return nil, nil, err
	}
	sess, err := sshwrap.NewSession(xssh.New())
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	cleanup := func() {
		sess.Close()
		conn.Close()
	}
	if err := sess.SetTransport(conn); err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := sess.Handshake(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("handshake failed: %w", err)
	}
	switch {
	case sshKeyFile != "":
		_, privateKey, err := utils.GetSSHKeysFromPath(sshKeyFile)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if err := sess.UserauthPubkeyMemory(sshUser, "", string(privateKey), ""); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("key authentication failed: %w", err)
		}
	case sshPassword != "":
		if err := sess.UserauthPassword(sshUser, sshPassword); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("password authentication failed: %w", err)
		}
	default:
		if err := sess.UserauthAgent(sshUser); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("agent authentication failed: %w", err)
		}
	}
	log.Debug("authenticated",
		logger.String("host", sshHost),
		logger.String("user", sshUser))
	return sess, conn, nil
}
