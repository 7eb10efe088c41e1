/*
Package channel resolves logical destination keys and correlates asks with
replies.

A key has the form scheme:rest (console:stdout, file:reports/run.log,
webhook:https://example.com/hook). The Service dispatches on the scheme to a
registered Factory; everything after the colon belongs to the destination.

Resolution order for a send or ask is: the explicit per-call key, the key bound
to the context by WithSession, the process default, then Fallback.

Each destination advertises its Capabilities. Asking a destination that lacks
input or choice, or sending a file where file transfer is not supported,
returns a *domain.UnsupportedCapabilityError rather than silently doing
nothing.

Ask allocates a fresh correlator id, stores the continuation and only then
delivers the prompt, so a reply can never race ahead of its continuation.
*/
package channel
