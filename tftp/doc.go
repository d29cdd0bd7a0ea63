// Package tftp implements RFC 1350 Trivial File Transfer over UDP:
// the binary packet codec with NetASCII translation, a datagram
// transport with random ephemeral binding, a lock-step client and a
// server that demultiplexes each accepted transfer onto its own
// ephemeral socket.
package tftp
