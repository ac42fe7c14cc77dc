// Package agora is the HTTP and websocket client for the Agora chat
// gateway, shaped around the operations the harness exercises.
//
// # Operations
//
// [Client] covers account provisioning (Register, Login), room lifecycle
// (CreateServer, CreateChannel, JoinRoom, LeaveRoom), messaging
// (SendMessage, Sync), rosters (RoomMembers, JoinedRooms,
// VoiceParticipants), presence (SetPresence), and liveness (Health).
// The gateway authenticates by access token carried in the request payload
// or query string, never in a header.
//
// # Errors
//
// Non-2xx responses become [*APIError] with the status, the structured
// errcode when present, and a truncated body snippet. Classification
// helpers sort errors into the harness's taxonomy:
//
//   - [IsExpectedFailure]: well-formed rejections matching a marker list
//   - [IsServerFault]: 5xx responses, the only class a chaos run treats as
//     unhealthy
//   - [IsTransport]: connection refused, timeout, protocol error
//
// [Client.Probe] bypasses classification entirely and reports the raw
// status, which is what a malformed-input scenario wants.
//
// # Presence Stream
//
// [PresenceWatcher] consumes the /ws/presence websocket: a snapshot of
// current presence on connect, then live {user_id, presence} frames.
// [PresenceWatcher.Await] waits for a frame matching a predicate within a
// budget.
package agora
