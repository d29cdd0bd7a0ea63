// Package chat implements a line-framed TCP group chat: a broadcast
// server that stamps and fans out every message to all connected
// peers, replaying history to newcomers, and a client that bridges a
// terminal to the server.
//
// One message on the wire is four newline-terminated fields: the text
// length plus one, the author, the accepted unix timestamp, and the
// text itself.
package chat
