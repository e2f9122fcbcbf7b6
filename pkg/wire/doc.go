/*
Package wire implements the literal length-prefixed binary message
format from spec §6: a fixed-size header in network byte order
followed by a variable-length resource name and an optional LVB
payload.

There is no generated-code stack for this format in the retrieved
example repos (a gRPC/protobuf service's generated stubs are not part
of that retrieval), so this codec is hand-written encoding/binary
against a bytes.Buffer/io.Reader, in the same vein as
magma/lib/message.c's fixed-header-plus-payload framing
(original_source/magma/lib/message.c) generalized from that C struct
layout to the wire layout spec.md actually specifies.
*/
package wire
