/*
Package bus provides the publish/subscribe fabric between the broker and its kernels. It uses WebSockets for both directions so a kernel in any language only needs a WebSocket client.

There are two channels. The "downstream" channel carries frames broker->kernel and is addressed by topic. The "upstream" channel carries frames kernel->broker; the broker receives every kernel's output on one subscription and demultiplexes by the analysis id carried inside each message. The schema for these messages is described in types.go.

A downstream frame is the topic bytes, a "|" separator, and a JSON Message:

	<topic>|{"signal": "compute", "load": [1, 2], "action_id": "abc123"}

A subscriber asks for a topic prefix when it connects. The hub only writes frames whose leading bytes match that prefix, and the subscriber checks the prefix again before splitting at the first "|".

An upstream message is a JSON Envelope:

	{"analysis_id": "<id>", "frame": {"signal": "data", "load": {"count": 20}}}

The protocol proceeds as follows:

1. The broker binds one listener and serves the Hub on it for its whole life.
2. A kernel opens the downstream WebSocket with its prefix and waits for the hub's acknowledgement, which is sent once the subscription is registered.
3. The kernel opens the upstream WebSocket and announces itself with a "__ready" frame.
4. The broker publishes downstream frames; the kernel publishes upstream envelopes until it handles "disconnect", after which it closes its upstream connection.

Frames from one publisher to one subscriber arrive in order. There is no ordering between different publishers or topics.
*/
package bus
