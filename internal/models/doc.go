// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

/*
Package models defines the data structures shared across chatsync.

Model Categories:

1. Conversation state (conversation.go):
  - Conversation: direct or group conversation with members, versions,
    read positions, pins and local-only state
  - Versions: change versions tracked per conversation
  - ReadPosition: monotonically advancing read marker per reader
  - Contact: directory entry

2. Messages (message.go):
  - Message: stored message, keyed by DedupKey (sender, device, sent time)
  - Reaction: emoji reaction applied in place to a message

3. Push input (envelope.go, event.go):
  - Envelope: decrypted inbound message as delivered by the push session
  - ReadReceipt, VerifiedEvent: sync side messages
  - Event: one push session event with its confirmation callback

4. Notifications (notification.go):
  - RawNotification: wire form (kind, time, JSON data)
  - Notification: decoded form carrying a typed Payload (GroupChange,
    DirectoryChange, ConversationConfigChange, SharedConfigChange, AuxChange)

5. Errors (errors.go):
  - ErrMalformed: wraps decoding and validation failures of push payloads

All JSON tags use camelCase so stored records and bus payloads share one
encoding.
*/
package models
