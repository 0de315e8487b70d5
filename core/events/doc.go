// Package events defines the lifecycle events a conversation publishes and
// the Manager that delivers them to subscribers.
//
// Event kinds are grouped by namespace:
//
//   - call.*
//   - transcript.*
//
// call events
//
//   - CallConnected (call.connected): a telephony call was admitted and its
//     media stream started.
//   - CallEnded (call.ended): the call session reached its terminal state.
//
// transcript events
//
//   - TranscriptUpdated (transcript.updated): one entry was appended to the
//     conversation transcript.
//   - TranscriptComplete (transcript.complete): the conversation ended; carries
//     the full transcript.
package events
