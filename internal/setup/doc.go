// Package setup prepares the per-user filesystem layout shared by the daemon
// and its clients: the private runtime directory holding the RPC socket and
// the per-process scratch directories holding generated keys and sshd state.
//
// This package is a collection of filesystem helpers and constants, and is
// therefore the only package that is allowed to call a global logger.
package setup
