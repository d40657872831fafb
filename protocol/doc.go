// Package protocol defines the wire protocol between the orchestrating
// browser front-end and the renderer process.
//
// Every message travels as a length-prefixed frame:
//
//	[4 bytes little-endian payload length] [1 byte message tag] [payload]
//
// The payload layout is fixed per tag and documented on each tag constant.
// Integers are little-endian; floats are IEEE 754 binary32; strings and
// byte blobs are length-prefixed with a uint32; uuids are the raw 16 bytes.
//
// Message tags are grouped by their high nibble:
//
//	0x0X: handshake and session control
//	0x1X: render commands (orchestrator -> renderer)
//	0x2X: render events  (renderer -> orchestrator)
//
// The protocol is versioned. A renderer accepts peers within a compatibility
// window of [Version-CompatWindow, Version]; anything outside is rejected
// during the handshake with Accepted=false.
package protocol
