/*
Package relay forwards chat completion requests to the upstream API using the
currently selected upstream key and relays the answer back byte for byte.

# Flow

 1. The caller's Authorization and Host headers are dropped.
 2. The current upstream key is attached as "Authorization: Bearer <key>".
 3. The buffered request body is POSTed to <base_url>/chat/completions.
 4. A transport failure becomes a 500 carrying the error text. No rotation.
 5. A 429 advances the key pool before anything is relayed. The 429 itself is
    still returned to the caller; only the next request sees the new key.
 6. Status and headers are copied unchanged. A text/event-stream body is
    relayed chunk by chunk with a flush after each write; anything else is
    read fully and written once.

# Streaming

Response.Chunks exposes the upstream body as a lazy, once-only sequence of
byte chunks. It ends when upstream finishes, when a read fails (the error is
yielded as the final element) or when the consumer stops ranging.
*/
package relay
