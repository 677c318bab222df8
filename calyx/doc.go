// Package calyx provides on-demand, ephemeral, forward-secret secure
// channels between peers over an asynchronous datagram substrate.
//
// Properties:
//   - Channels are created on first use via an unauthenticated triple-DH
//     key agreement and torn down after idleness; the shared key exists
//     only in memory and only for the channel's lifetime.
//   - Forward secrecy: teardown erases the key, so later compromise of a
//     peer's static key does not expose recorded traffic.
//   - Repudiability: no signatures are exchanged; a transcript can be
//     fabricated from public information, so neither party can prove the
//     conversation to a third party. There is deliberately no
//     non-repudiation guarantee.
//   - Every fragment is independently encrypted and authenticated under a
//     process-unique sequence value, so fragments may arrive in any order.
//
// The high-level entry point is Peer, which combines identity, channel
// registry, payload chunking and a transport.
package calyx
