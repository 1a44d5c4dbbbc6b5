// Package sshwrap provides a goroutine-safe, resource-managed API over a
// handle-based SSH engine.
//
// The engine (see the engine package) is a stateful, single-threaded
// collaborator in the style of a C library: flat calls, opaque handles,
// integer status codes. sshwrap layers ownership and safety on top of it. A
// Session and every handle derived from it (Channel, Sftp, File, Agent,
// KnownHosts, Listener) share one mutex; dependent handles hold counted
// references so the engine session outlives them all; failing status codes
// come back as *Error values carrying a message snapshotted at the moment of
// failure.
//
// Two engine implementations ship with the module: engine/xssh runs over a
// real SSH connection and engine/enginetest is a scriptable in-memory double
// for tests.
//
// Typical use:
//
//	conn, err := net.Dial("tcp", "example.com:22")
//	sess, err := sshwrap.NewSession(xssh.New())
//	err = sess.SetTransport(conn)
//	err = sess.Handshake()
//	err = sess.UserauthPassword("user", "secret")
//	ch, err := sess.ChannelSession()
//	err = ch.Exec("uptime")
package sshwrap
